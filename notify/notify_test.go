package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsolePlain(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{Out: &buf}

	require.NoError(t, c.Notify(context.Background(), LevelWarning, "lag rising", "12.5s behind"))
	require.Equal(t, "[WARNING] lag rising\n  12.5s behind\n", buf.String())
}

func TestConsoleColored(t *testing.T) {
	var buf bytes.Buffer
	c := &Console{Out: &buf, UseColors: true}

	require.NoError(t, c.Notify(context.Background(), LevelError, "target down", "mysql_prod unreachable"))
	require.Equal(t, "\033[31m[ERROR] target down\033[0m\n  mysql_prod unreachable\n", buf.String())
}

func TestWebhookDelivers(t *testing.T) {
	var got webhookPayload
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	err := w.Notify(context.Background(), LevelError, "sync failed", "write timeout")

	require.NoError(t, err)
	require.Equal(t, "Bearer tok", auth)
	require.Equal(t, LevelError, got.Level)
	require.Equal(t, "sync failed", got.Title)
	require.Equal(t, "write timeout", got.Message)
	require.Equal(t, "sqlite-cdc", got.Source)
}

func TestWebhookRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, nil)
	err := w.Notify(context.Background(), LevelInfo, "t", "m")

	require.ErrorContains(t, err, "status 403")
}

func TestWebhookUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	w := NewWebhook(srv.URL, nil)
	require.Error(t, w.Notify(context.Background(), LevelInfo, "t", "m"))
}

type recordingNotifier struct {
	calls []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, level Level, title, _ string) error {
	r.calls = append(r.calls, string(level)+":"+title)
	return r.err
}

func TestManagerFansOut(t *testing.T) {
	first := &recordingNotifier{}
	second := &recordingNotifier{}

	m := NewManager(nil)
	m.Add(first)
	m.Add(second)

	m.Error(context.Background(), "boom", "details")
	require.Equal(t, []string{"error:boom"}, first.calls)
	require.Equal(t, []string{"error:boom"}, second.calls)
}

func TestManagerSurvivesFailingChannel(t *testing.T) {
	broken := &recordingNotifier{err: context.DeadlineExceeded}
	healthy := &recordingNotifier{}

	m := NewManager(nil)
	m.Add(broken)
	m.Add(healthy)

	m.Warning(context.Background(), "slow", "details")
	require.Len(t, broken.calls, 1)
	require.Len(t, healthy.calls, 1)
}

func TestManagerRemove(t *testing.T) {
	n := &recordingNotifier{}

	m := NewManager(nil)
	m.Add(n)
	m.Remove(n)

	m.Info(context.Background(), "quiet", "nothing listens")
	require.Empty(t, n.calls)
}

// Package notify delivers operational alerts through pluggable channels. A
// Manager fans each alert out to every registered channel and swallows
// delivery failures, alerting must never take the sync pipeline down.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/acronis/perfkit/logger"
)

// Level classifies an alert.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier delivers one alert to a single channel.
type Notifier interface {
	Notify(ctx context.Context, level Level, title, message string) error
}

// Console prints alerts to a terminal, colored by level when enabled.
type Console struct {
	Out       io.Writer
	UseColors bool
}

// NewConsole returns a console channel writing to stdout.
func NewConsole(useColors bool) *Console {
	return &Console{Out: os.Stdout, UseColors: useColors}
}

var consoleColors = map[Level]string{
	LevelInfo:    "\033[36m",
	LevelWarning: "\033[33m",
	LevelError:   "\033[31m",
}

const colorReset = "\033[0m"

func (c *Console) Notify(_ context.Context, level Level, title, message string) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}

	header := fmt.Sprintf("[%v] %v", strings.ToUpper(string(level)), title)
	if color, ok := consoleColors[level]; c.UseColors && ok {
		header = color + header + colorReset
	}

	_, err := fmt.Fprintf(out, "%v\n  %v\n", header, message)

	return err
}

// Webhook POSTs alerts as JSON to an HTTP endpoint.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook returns a webhook channel with a 10 second delivery timeout.
// Extra headers, an authorization token for instance, ride on every request.
func NewWebhook(url string, headers map[string]string) *Webhook {
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

func (w *Webhook) Notify(ctx context.Context, level Level, title, message string) error {
	body, err := json.Marshal(webhookPayload{
		Level:   level,
		Title:   title,
		Message: message,
		Source:  "sqlite-cdc",
	})
	if err != nil {
		return fmt.Errorf("notify: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range w.headers {
		req.Header.Set(name, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notify: webhook post: status %v", resp.StatusCode)
	}

	return nil
}

// Manager fans alerts out to its channels. The zero number of channels is
// valid, alerts then go nowhere.
type Manager struct {
	mu        sync.Mutex
	notifiers []Notifier
	log       logger.Logger
}

// NewManager returns an empty manager logging delivery failures through log.
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewPlaneLogger(logger.LevelWarn, false)
	}

	return &Manager{log: log}
}

// Add registers a channel.
func (m *Manager) Add(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Remove unregisters a previously added channel.
func (m *Manager) Remove(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.notifiers {
		if existing == n {
			m.notifiers = append(m.notifiers[:i], m.notifiers[i+1:]...)
			return
		}
	}
}

// Notify delivers one alert to every channel. A failing channel is logged
// and the rest still receive the alert.
func (m *Manager) Notify(ctx context.Context, level Level, title, message string) {
	m.mu.Lock()
	notifiers := make([]Notifier, len(m.notifiers))
	copy(notifiers, m.notifiers)
	m.mu.Unlock()

	for _, n := range notifiers {
		if err := n.Notify(ctx, level, title, message); err != nil {
			m.log.Warn("%v", err)
		}
	}
}

// Info sends an informational alert.
func (m *Manager) Info(ctx context.Context, title, message string) {
	m.Notify(ctx, LevelInfo, title, message)
}

// Warning sends a warning alert.
func (m *Manager) Warning(ctx context.Context, title, message string) {
	m.Notify(ctx, LevelWarning, title, message)
}

// Error sends an error alert.
func (m *Manager) Error(ctx context.Context, title, message string) {
	m.Notify(ctx, LevelError, title, message)
}

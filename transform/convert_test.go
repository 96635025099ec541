package transform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/sqlite-cdc/config"
)

func TestConvertCase(t *testing.T) {
	require.Equal(t, "hello", Convert("HeLLo", config.ConverterLowercase, nil))
	require.Equal(t, "HELLO", Convert("HeLLo", config.ConverterUppercase, nil))
	require.Nil(t, Convert(nil, config.ConverterLowercase, nil))

	// Non-string values stringify first.
	require.Equal(t, "42", Convert(int64(42), config.ConverterLowercase, nil))
	require.Equal(t, "raw", Convert([]byte("RAW"), config.ConverterLowercase, nil))
}

func TestConvertTrim(t *testing.T) {
	require.Equal(t, "HELLO", Convert("  HELLO  ", config.ConverterTrim, nil))
	require.Equal(t, "", Convert(" \t\n ", config.ConverterTrim, nil))
	require.Nil(t, Convert(nil, config.ConverterTrim, nil))
}

func TestConvertDefault(t *testing.T) {
	params := map[string]interface{}{"value": "unknown"}

	require.Equal(t, "unknown", Convert(nil, config.ConverterDefault, params))
	require.Equal(t, "unknown", Convert("", config.ConverterDefault, params))
	require.Equal(t, "set", Convert("set", config.ConverterDefault, params))

	// Zero is a value, not an absence.
	require.Equal(t, int64(0), Convert(int64(0), config.ConverterDefault, params))
}

func TestConvertTypecast(t *testing.T) {
	cast := func(v interface{}, target string) interface{} {
		return Convert(v, config.ConverterTypecast, map[string]interface{}{"target_type": target})
	}

	require.Equal(t, "42", cast(int64(42), "str"))
	require.Equal(t, int64(42), cast("42", "int"))
	require.Equal(t, int64(3), cast(3.9, "int"))
	require.Equal(t, int64(1), cast(true, "int"))
	require.Equal(t, 42.0, cast("42", "float"))
	require.Equal(t, 42.0, cast(int64(42), "float"))
	require.Equal(t, true, cast("true", "bool"))
	require.Equal(t, false, cast(int64(0), "bool"))
	require.Equal(t, true, cast(1.0, "bool"))

	// Unparseable values pass through unchanged.
	require.Equal(t, "n/a", cast("n/a", "int"))
	require.Equal(t, "n/a", cast("n/a", "float"))
	require.Equal(t, "n/a", cast("n/a", "bool"))

	// Unknown target types leave the value alone, as does a missing one.
	require.Equal(t, int64(7), cast(int64(7), "decimal"))
	require.Equal(t, "7", Convert(int64(7), config.ConverterTypecast, nil))

	require.Nil(t, cast(nil, "int"))
}

func TestConvertUnknownName(t *testing.T) {
	require.Equal(t, "x", Convert("x", "reverse", nil))
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesStandardKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("deposit credited", slog.String("user", "0xabc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "deposit credited", line["message"])
	require.Equal(t, "INFO", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "0xabc", line["user"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestSetupWritesRotatedFile(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	path := filepath.Join(t.TempDir(), "bobvault.log")
	logger := Setup(Config{Service: "bobvaultd", Environment: "test", File: path})
	logger.Info("started")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"service":"bobvaultd"`)
	require.Contains(t, string(raw), `"env":"test"`)
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("hmacSecret", "s3cret").Value.String())
	require.Equal(t, "sqlite", MaskField("driver", "sqlite").Value.String())
	require.Equal(t, "0xabc", MaskField("sagaId", "0xabc").Value.String())
	require.Equal(t, "", MaskField("dsn", "").Value.String())
}

func TestMaskFieldKeepsDSNShape(t *testing.T) {
	cases := map[string]string{
		"postgres://vault:hunter2@db:5432/journal?sslmode=disable": "postgres://vault:xxxxx@db:5432/journal?sslmode=disable",
		"host=db user=vault password=hunter2 dbname=journal":       "host=db user=vault password=" + RedactedValue + " dbname=journal",
		"/var/lib/bobvault/journal.db":                             "/var/lib/bobvault/journal.db",
	}
	for dsn, want := range cases {
		got := MaskField("dsn", dsn).Value.String()
		require.Equal(t, want, got)
		require.NotContains(t, got, "hunter2")
	}
}

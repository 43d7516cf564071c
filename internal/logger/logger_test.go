package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func reset(t *testing.T) {
	t.Cleanup(func() {
		require.NoError(t, Configure(os.Stdout, "info", "json"))
	})
}

func TestConfigure_JSON(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Configure(&buf, "debug", ""))

	With("pipeline").Debug("batch started", "batch_id", "b1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "batch started", line["msg"])
	require.Equal(t, "pipeline", line["component"])
	require.Equal(t, "b1", line["batch_id"])
}

func TestConfigure_Text(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Configure(&buf, "info", "TEXT"))

	L.Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}

func TestConfigure_Invalid(t *testing.T) {
	reset(t)
	require.Error(t, Configure(os.Stderr, "info", "xml"))
	require.Error(t, Configure(os.Stderr, "loud", "json"))
}

func TestSetLevel_AppliesToDerivedLoggers(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Configure(&buf, "info", "json"))
	log := With("analyzer")

	log.Debug("hidden")
	require.Empty(t, buf.String())

	require.NoError(t, SetLevel("debug"))
	log.Debug("shown")
	require.Contains(t, buf.String(), "shown")

	require.NoError(t, SetLevel("warn"))
	require.Equal(t, slog.LevelWarn, level.Level())
	require.NoError(t, SetLevel(""))
	require.Equal(t, slog.LevelInfo, level.Level())
}

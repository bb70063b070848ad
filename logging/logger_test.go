package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitializeSilentByDefault(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	require.NoError(t, Initialize("", ""))
	assert.False(t, GetLogger().Core().Enabled(zapcore.ErrorLevel))
}

func TestInitializeWritesToFile(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	path := filepath.Join(t.TempDir(), "xbee.log")

	require.NoError(t, Initialize("info", path))
	Info("hello", zap.String("port", "/dev/ttyUSB0"))
	Debug("hidden")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "/dev/ttyUSB0")
	assert.NotContains(t, string(data), "hidden")
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "error")
	require.NoError(t, Initialize("debug", filepath.Join(t.TempDir(), "x.log")))
	assert.False(t, GetLogger().Core().Enabled(zapcore.WarnLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.ErrorLevel))
}

func TestLogRawBytes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	LogRawBytes("tx", []byte{0x7E, 0x00, 0x04})
	LogRawBytes("big", make([]byte, 300))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "7e0004", entries[0].ContextMap()["hex"])
	assert.True(t, strings.HasSuffix(entries[1].ContextMap()["hex"].(string), "..."))
	assert.Equal(t, int64(300), entries[1].ContextMap()["length"])
}

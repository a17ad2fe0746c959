package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ".", cfg.TracingPath)
	assert.Equal(t, datasize.MB, cfg.RingSize)
	assert.Equal(t, zapcore.InfoLevel, cfg.Logging.Level)
	assert.Equal(t, 4096, cfg.Streaming.Capacity)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clltk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tracing_path: /var/trace
ring_size: 4MB
logging:
  level: debug
streaming:
  capacity: 128
  delay_ns: 500
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/trace", cfg.TracingPath)
	assert.Equal(t, 4*datasize.MB, cfg.RingSize)
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, 128, cfg.Streaming.Capacity)
	assert.Equal(t, uint64(500), cfg.Streaming.DelayNS)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

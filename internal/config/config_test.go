package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8800, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Server.Workers)
	assert.Equal(t, int64(5000000), cfg.Download.MaxContentLength)
	assert.Equal(t, 1000, cfg.Pipeline.PreviewRows)
	assert.Equal(t, 3, cfg.Pipeline.AutoIndexThreshold)
	assert.True(t, cfg.Pipeline.Dedup)
	assert.True(t, cfg.Pipeline.SortAndDupeCheck)
	assert.Equal(t, "unsafe_", cfg.Pipeline.UnsafePrefix)
	assert.Equal(t, "_id", cfg.Pipeline.ReservedColnames)
	assert.False(t, cfg.PII.Enabled)
	assert.True(t, cfg.Spatial.AutoSimplify)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATAPUSHER_PIPELINE_PREVIEW_ROWS", "-500")
	t.Setenv("DATAPUSHER_SERVER_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, -500, cfg.Pipeline.PreviewRows)
	assert.Equal(t, 8, cfg.Server.Workers)
}

func TestLoadYAMLOverlay(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("pipeline:\n  auto_index_threshold: -1\n  dedup: false\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	t.Setenv("DATAPUSHER_CONFIG_FILE", f.Name())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, -1, cfg.Pipeline.AutoIndexThreshold)
	assert.False(t, cfg.Pipeline.Dedup)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Server.Workers = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"missing qsv bin", func(c *Config) { c.QSV.Bin = "" }},
		{"missing write url", func(c *Config) { c.Datastore.WriteURL = "" }},
		{"threshold below -1", func(c *Config) { c.Pipeline.AutoIndexThreshold = -2 }},
		{"zero max content length", func(c *Config) { c.Download.MaxContentLength = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTypeMappingOrDefault(t *testing.T) {
	var pc PipelineConfig
	assert.Equal(t, DefaultTypeMapping, pc.TypeMappingOrDefault())

	pc.TypeMapping = map[string]string{"String": "varchar"}
	assert.Equal(t, "varchar", pc.TypeMappingOrDefault()["String"])
}

// audex/config/config_test.go
package config_test // Use an external test package

import (
	"testing"
	"time"

	"audex/config"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("AUDEX_PORT", "")
		t.Setenv("AUDEX_MAX_CONCURRENCY", "")
		t.Setenv("AUDEX_AUTH_ENABLE", "")
		t.Setenv("AUDEX_ENGINE_LOAD_TIMEOUT", "")
		t.Setenv("AUDEX_MAX_FILE_SIZE", "")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 2, cfg.MaxConcurrency)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, 3, cfg.EngineLoadAttempts)
		assert.Equal(t, 30*time.Second, cfg.EngineLoadTimeout)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.MaxFileSize)
		assert.Equal(t, int64(500*1024*1024), cfg.RecommendedMaxSize)
		assert.Equal(t, int64(10*1024*1024), cfg.ChunkSize)
		assert.Equal(t, int64(50*1024*1024), cfg.EngineChunkSize)
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("AUDEX_PORT", "9999")
		t.Setenv("AUDEX_MAX_CONCURRENCY", "4")
		t.Setenv("AUDEX_AUTH_ENABLE", "true")
		t.Setenv("AUDEX_AUTH_KEY", "newsecret")
		t.Setenv("AUDEX_MAX_FILE_SIZE", "50MB")
		t.Setenv("AUDEX_ENGINE_LOAD_TIMEOUT", "5s")

		cfg, err := config.Load()
		assert.NoError(t, err)
		assert.NotNil(t, cfg)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSize)
		assert.Equal(t, 5*time.Second, cfg.EngineLoadTimeout)
	})
}

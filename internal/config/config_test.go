package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, "retry", cfg.History.RedoAfterFailure)
	require.Equal(t, "imaging", cfg.Engine.Backend)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"history":{"redo_after_failure":"fail"},"processing":{"keep_temp":true},"server":{"progress_rate":2.5}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fail", cfg.History.RedoAfterFailure)
	require.True(t, cfg.Processing.KeepTemp)
	require.Equal(t, 2.5, cfg.Server.ProgressRate)
	require.Equal(t, "imaging", cfg.Engine.Backend)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VFXPROC_ENGINE_BACKEND", "imagick")
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "imagick", cfg.Engine.Backend)
}

func TestLoadHonorsConfigEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"paths":{"default_output":"/srv/out"}}`), 0o644))
	t.Setenv("VFXPROC_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/srv/out", cfg.Paths.DefaultOutput)
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	cfg.History.RedoAfterFailure = "sometimes"
	cfg.Engine.Backend = "gimp"
	cfg.Export.MinIO.Endpoint = "localhost:9000"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "redo_after_failure")
	require.Contains(t, err.Error(), "engine.backend")
	require.Contains(t, err.Error(), "bucket")
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := expandUser("~/x/y")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "x/y"), got)

	got, err = expandUser("/abs")
	require.NoError(t, err)
	require.Equal(t, "/abs", got)
}

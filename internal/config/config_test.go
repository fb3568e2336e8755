package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresDBPassword(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	_, err := Load(envPath)
	if err == nil {
		t.Fatal("expected an error when DB_PASSWORD is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Zoom != 17 {
		t.Errorf("Zoom = %d, want default 17", cfg.Pipeline.Zoom)
	}
	if cfg.Pipeline.EmbeddingDim != 1280 {
		t.Errorf("EmbeddingDim = %d, want default 1280", cfg.Pipeline.EmbeddingDim)
	}
	if cfg.Imagery.URLTemplate == "" {
		t.Error("expected a non-empty default imagery URL template")
	}
}

func TestLoadPrefersEnvLocalOverEnv(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")

	if err := os.WriteFile(envPath, []byte("ZOOM=10\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := os.WriteFile(envPath+".local", []byte("ZOOM=20\n"), 0o644); err != nil {
		t.Fatalf("write .env.local: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ZOOM") })

	cfg, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.Zoom != 20 {
		t.Errorf("Zoom = %d, want 20 from .env.local overriding .env", cfg.Pipeline.Zoom)
	}
}

func TestGetEnvIntFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if got := getEnvInt("SOME_INT", 42); got != 42 {
		t.Errorf("getEnvInt with invalid value = %d, want default 42", got)
	}
}

func TestGetEnvFloatReadsValidValue(t *testing.T) {
	t.Setenv("SOME_FLOAT", "0.75")
	if got := getEnvFloat("SOME_FLOAT", 0.5); got != 0.75 {
		t.Errorf("getEnvFloat = %v, want 0.75", got)
	}
}

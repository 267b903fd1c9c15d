package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("admin:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("admin:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("egress:\n  allow_hosts:\n    - ${STARLING_TEST_HOST}\n"), 0600)
	os.Setenv("STARLING_TEST_HOST", "*.example.com")
	defer os.Unsetenv("STARLING_TEST_HOST")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Egress.AllowHosts) != 1 || cfg.Egress.AllowHosts[0] != "*.example.com" {
		t.Errorf("AllowHosts = %v, want [*.example.com]", cfg.Egress.AllowHosts)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Admin.Port != 8787 {
		t.Errorf("Admin.Port = %d, want 8787", cfg.Admin.Port)
	}
	if cfg.Fetch.DialTimeout == 0 {
		t.Error("Fetch.DialTimeout should have a default")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: nonsense\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("Load with invalid log_level should error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load with missing file should error")
	}
}

func TestValidate_AdminPortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Admin.Enabled = true
	cfg.Admin.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject out-of-range admin port")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Admin.Port != 8787 {
		t.Errorf("Default().Admin.Port = %d, want 8787", cfg.Admin.Port)
	}
	if cfg.Admin.Enabled {
		t.Error("Default().Admin.Enabled should be false")
	}
	if len(cfg.Egress.AllowHosts) != 0 {
		t.Error("Default().Egress.AllowHosts should be empty (unrestricted)")
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIncludesAppendRemotes(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "remotes.d")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeConfigFile(t, sub, "a.yaml", `
remotes:
  - id: "lab-a"
    url: "http://a:7420"
`)
	writeConfigFile(t, sub, "b.yaml", `
remotes:
  - id: "lab-b"
    url: "http://b:7420"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes:
  - "remotes.d/*.yaml"
remotes:
  - id: "main"
    url: "http://main:7420"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var ids []string
	for _, r := range cfg.Remotes {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "main,lab-a,lab-b" {
		t.Errorf("remotes = %v, want main first then includes in glob order", ids)
	}
}

func TestIncludesMainPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "extra.yaml", `
logger:
  level: "debug"
  format: "json"
`)
	path := writeConfigFile(t, dir, "config.yaml", `
includes: ["extra.yaml"]
logger:
  level: "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Level = %q, main file should win", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("Format = %q, include should fill unset fields", cfg.Logger.Format)
	}
}

func TestIncludesNested(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "leaf.yaml", `
backends:
  - id: "leaf"
    type: "cli"
    profile: "gemini"
`)
	writeConfigFile(t, dir, "mid.yaml", `
includes: ["leaf.yaml"]
backends:
  - id: "mid"
    type: "cli"
    profile: "claude"
`)
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["mid.yaml"]`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("backends = %+v, want mid and leaf", cfg.Backends)
	}
}

func TestIncludesCircularDetection(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "a.yaml", `includes: ["b.yaml"]`)
	writeConfigFile(t, dir, "b.yaml", `includes: ["a.yaml"]`)
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["a.yaml"]`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "circular include") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestIncludesPathTraversal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["../outside.yaml"]`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "escapes config directory") {
		t.Fatalf("expected traversal error, got %v", err)
	}
}

func TestIncludesFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["missing.yaml"]`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing include")
	}
}

func TestIncludesGlobNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["conf.d/*.yaml"]`)
	if _, err := Load(path); err != nil {
		t.Fatalf("empty glob should not fail: %v", err)
	}
}

func TestIncludesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "empty.yaml", "")
	path := writeConfigFile(t, dir, "config.yaml", `includes: ["empty.yaml"]`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

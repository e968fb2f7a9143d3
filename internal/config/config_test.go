package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modns.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Library.Token != "BE" {
		t.Errorf("Token = %q, want BE", cfg.Library.Token)
	}
	if cfg.Library.Ext != ".lua" {
		t.Errorf("Ext = %q, want .lua", cfg.Library.Ext)
	}
	if cfg.Watch.Debounce.Duration() != 100*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Watch.Debounce)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, `
[library]
token = "LIB"
ext = "jsxinc"
dir = "scripts"

[library.aliases]
settingsmanager = "util/SettingsManager.jsxinc"

[lua]
preload = ["time", "comp"]

[watch]
debounce = "250ms"

[logging]
verbosity = 2
`)
	cfg, err := Load(path, Overrides{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Library.Token != "LIB" || cfg.Library.Ext != "jsxinc" || cfg.Library.Dir != "scripts" {
		t.Errorf("library = %+v", cfg.Library)
	}
	if cfg.Library.Aliases["settingsmanager"] != "util/SettingsManager.jsxinc" {
		t.Errorf("aliases = %v", cfg.Library.Aliases)
	}
	if len(cfg.Lua.Preload) != 2 || cfg.Lua.Preload[1] != "comp" {
		t.Errorf("preload = %v", cfg.Lua.Preload)
	}
	if cfg.Watch.Debounce.Duration() != 250*time.Millisecond {
		t.Errorf("debounce = %v", cfg.Watch.Debounce)
	}
	if cfg.Verbosity() != 2 {
		t.Errorf("verbosity = %d", cfg.Verbosity())
	}
}

func TestLoadPriority(t *testing.T) {
	path := writeConfig(t, `
[library]
token = "FILE"
dir = "from-file"
`)
	t.Setenv("MODNS_TOKEN", "ENV")
	t.Setenv("MODNS_DIR", "from-env")

	cfg, err := Load(path, Overrides{Dir: "from-flag"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Library.Token != "ENV" {
		t.Errorf("env should beat the file: token = %q", cfg.Library.Token)
	}
	if cfg.Library.Dir != "from-flag" {
		t.Errorf("flags should beat env: dir = %q", cfg.Library.Dir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml"), Overrides{}); err == nil {
		t.Error("an explicit missing config file should fail")
	}

	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	if _, err := Load("", Overrides{}); err != nil {
		t.Errorf("a missing default file should be ignored: %v", err)
	}
}

func TestLogRespectsVerbosity(t *testing.T) {
	cfg := DefaultConfig()
	var buf bytes.Buffer
	cfg.SetLogOutput(&buf)

	cfg.Log(1, "loaded %s", "time")
	if buf.Len() != 0 {
		t.Errorf("level 1 should be quiet at verbosity 0: %q", buf.String())
	}
	cfg.Log(0, "failed %s", "comp")
	if !strings.Contains(buf.String(), "failed comp") {
		t.Errorf("level 0 should always log: %q", buf.String())
	}

	buf.Reset()
	cfg.Apply(Overrides{Verbosity: 2})
	cfg.SetLogOutput(&buf)
	cfg.Log(2, "requiring %s", "layer")
	if !strings.Contains(buf.String(), "requiring layer") {
		t.Errorf("level 2 should log at verbosity 2: %q", buf.String())
	}
}

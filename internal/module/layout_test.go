package module

import (
	"errors"
	"testing"
)

func TestNameToPath(t *testing.T) {
	layout := testLayout(t)

	tests := []struct {
		name string
		want string
	}{
		{"BE.time", "time/time.lua"},
		{"time", "time/time.lua"},
		{"BE.comp", "comp/comp.lua"},
		{"mod.alpha", "mod/alpha/alpha.lua"},
		{"a.b.c", "a/b/c/c.lua"},
	}
	for _, tt := range tests {
		got, err := layout.NameToPath(tt.name)
		if err != nil {
			t.Errorf("NameToPath(%q) failed: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NameToPath(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestNameToPathIsStable(t *testing.T) {
	layout := testLayout(t)
	first, _ := layout.NameToPath("BE.layer")
	for i := 0; i < 3; i++ {
		if again, _ := layout.NameToPath("BE.layer"); again != first {
			t.Fatalf("NameToPath is not deterministic: %q vs %q", first, again)
		}
	}
}

func TestLayoutExtension(t *testing.T) {
	for _, ext := range []string{"jsxinc", ".jsxinc"} {
		layout, err := NewLayout("BE", ext, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := layout.NameToPath("BE.proj"); got != "proj/proj.jsxinc" {
			t.Errorf("ext %q: got %q", ext, got)
		}
	}
	layout, _ := NewLayout("BE", "", nil)
	if got, _ := layout.NameToPath("ui"); got != "ui/ui.lua" {
		t.Errorf("default extension: got %q", got)
	}
}

func TestLayoutAliases(t *testing.T) {
	layout, err := NewLayout("BE", "lua", map[string]string{
		"BE.settingsmanager": "util/SettingsManager.lua",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := layout.NameToPath("settingsmanager"); got != "util/SettingsManager.lua" {
		t.Errorf("alias path = %q", got)
	}
	if name, ok := layout.PathToName("util/SettingsManager.lua"); !ok || name != "settingsmanager" {
		t.Errorf("PathToName(alias) = %q, %v", name, ok)
	}
	if _, err := NewLayout("BE", "lua", map[string]string{"": "x.lua"}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty alias name: %v", err)
	}
	if _, err := NewLayout("BE", "lua", map[string]string{"x": ""}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty alias path: %v", err)
	}
}

func TestPathToName(t *testing.T) {
	layout := testLayout(t)

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"time/time.lua", "time", true},
		{"mod/alpha/alpha.lua", "mod.alpha", true},
		{"mod/alpha/helpers.lua", "", false},
		{"time.lua", "", false},
		{"time/time.txt", "", false},
	}
	for _, tt := range tests {
		got, ok := layout.PathToName(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("PathToName(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNormalize(t *testing.T) {
	layout := testLayout(t)
	if got, _ := layout.Normalize("BE.a.b"); got != "a.b" {
		t.Errorf("Normalize = %q", got)
	}
	if _, err := layout.Normalize("BE"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("root token alone: %v", err)
	}
}

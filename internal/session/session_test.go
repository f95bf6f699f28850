package session

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "main", false},
		{"with digits", "work2", false},
		{"with separators", "my-session_1", false},
		{"max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 65), true},
		{"uppercase", "Main", true},
		{"spaces", "my session", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestPathsNestUnderSessionDir(t *testing.T) {
	dir := Dir("work")
	if !strings.HasSuffix(dir, filepath.Join(".pairdesk", "sessions", "work")) {
		t.Errorf("Dir() = %q", dir)
	}
	for name, p := range map[string]string{
		"LockPath": LockPath("work"),
		"DBPath":   DBPath("work"),
		"LogPath":  LogPath("work"),
	} {
		if !strings.HasPrefix(p, dir) {
			t.Errorf("%s = %q, not under %q", name, p, dir)
		}
	}
	if filepath.Base(DBPath("work")) != "identity.db" {
		t.Errorf("DBPath base = %q", filepath.Base(DBPath("work")))
	}
	if filepath.Base(ConfigPath()) != "config.toml" {
		t.Errorf("ConfigPath base = %q", filepath.Base(ConfigPath()))
	}
}

func TestResolvePrecedence(t *testing.T) {
	// The flag always wins; the config fallback is exercised implicitly by
	// Resolve reading ConfigPath, which does not exist in a test home.
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve(override) = %q", got)
	}
}

func TestResolveDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve(\"\") = %q, want %q", got, DefaultSessionName)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if err := EnsureDir("work"); err != nil {
		t.Fatal(err)
	}
	// Repeat runs must be no-ops.
	if err := EnsureDir("work"); err != nil {
		t.Fatal(err)
	}
}

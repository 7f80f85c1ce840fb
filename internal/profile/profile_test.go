package profile

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid single char", "a", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"special chars", "my@profile", true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestPathsAreProfileScoped(t *testing.T) {
	if !strings.HasPrefix(SocketPath("work"), Dir("work")) {
		t.Error("socket path outside profile dir")
	}
	if !strings.HasPrefix(ArchiveDBPath("work"), Dir("work")) {
		t.Error("archive path outside profile dir")
	}
	if !strings.HasPrefix(LogPath("work"), LogDir("work")) {
		t.Error("log path outside log dir")
	}
	if Dir("work") == Dir("home") {
		t.Error("profiles must not share a directory")
	}
}

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("explicit"); got != "explicit" {
		t.Errorf("flag override ignored, got %q", got)
	}
}

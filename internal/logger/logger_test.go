package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestU_ParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    zerolog.Level
		wantErr bool
	}{
		{"[Unit] Level: empty is info", "", zerolog.InfoLevel, false},
		{"[Unit] Level: debug", "debug", zerolog.DebugLevel, false},
		{"[Unit] Level: upper case", "WARN", zerolog.WarnLevel, false},
		{"[Unit] Level: unknown", "chatty", zerolog.NoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.input, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestU_New_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", false)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug().Msg("hidden")
	l.Info().Str("slot", "9a").Msg("issued")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["slot"] != "9a" || entry["message"] != "issued" {
		t.Errorf("entry = %v", entry)
	}
}

func TestU_New_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", true)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug().Msg("stage")
	if !strings.Contains(buf.String(), "stage") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("console output = %q", buf.String())
	}
}

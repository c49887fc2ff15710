package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func plain(_ lipgloss.Style, text string) string { return text }

func TestParseInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"hex", "0a0b", []byte{0x0a, 0x0b}, false},
		{"prefixed with spaces", "0x de ad", []byte{0xde, 0xad}, false},
		{"file", "@" + path, []byte{1, 2, 3}, false},
		{"odd length", "abc", nil, true},
		{"missing file", "@" + path + ".none", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInput(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseInput(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if string(got) != string(tt.want) {
				t.Errorf("parseInput(%q) = %x, want %x", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatDump(t *testing.T) {
	data := make([]byte, 20)
	data[16] = 0xff
	got := formatDump(0x1000, data, plain)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), got)
	}
	if !strings.HasPrefix(lines[0], "00001000  0000") {
		t.Errorf("first row = %q", lines[0])
	}
	if lines[1] != "00001010  ff000000" {
		t.Errorf("second row = %q", lines[1])
	}
}

func TestRun(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.o")

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{"schema", []string{"-schema"}, 0, `"engine"`, ""},
		{"no mode", nil, 1, "", "Usage: vmbridge"},
		{"unknown flag", []string{"-bogus"}, 2, "", "flag provided but not defined"},
		{"unknown demo", []string{"-demo", "nope"}, 1, "", `unknown demo "nope"`},
		{"missing object", []string{"-object", missing}, 1, "", "read object"},
		{"filter demo", []string{"-demo", "filter"}, 0, "packets", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tt.args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Fatalf("exit code %d, want %d (stderr %q)", code, tt.wantCode, stderr.String())
			}
			if !strings.Contains(stdout.String(), tt.wantStdout) {
				t.Errorf("stdout %q does not contain %q", stdout.String(), tt.wantStdout)
			}
			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr %q does not contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

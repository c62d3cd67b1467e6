package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestValidateJob(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid",
			content: `
plugin: dirlist
args: {path: /etc}
targets: [{backend: lab, all: true}]
`,
		},
		{
			name: "unknown plugin",
			content: `
plugin: rootkit
targets: [{backend: lab, all: true}]
`,
			wantErr: true,
			errMsg:  "unknown plugin",
		},
		{
			name: "unknown parameter",
			content: `
plugin: dirlist
args: {path: /etc, depth: 2}
targets: [{backend: lab, all: true}]
`,
			wantErr: true,
			errMsg:  "unknown parameters: depth",
		},
		{
			name: "missing required parameter",
			content: `
plugin: file_download
args: {source: /etc/hosts}
targets: [{backend: lab, all: true}]
`,
			wantErr: true,
			errMsg:  "missing required parameters: dest",
		},
		{
			name:    "no targets",
			content: "plugin: facts\n",
			wantErr: true,
			errMsg:  "Targets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml", tt.content)
			err := validateJob(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateJobMissingFile(t *testing.T) {
	err := validateJob(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read job") {
		t.Errorf("expected read error, got %v", err)
	}
}

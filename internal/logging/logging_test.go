package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
)

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "key_index", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["key_index"] != float64(1) {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LogConfig{Level: "info", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("output = %q, want text handler format", buf.String())
	}
}

func TestNew_AlsoWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "data.log")
	var buf bytes.Buffer

	logger, closer, err := New(config.LogConfig{Level: "info", Format: "json", File: path}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"both"`) {
		t.Errorf("file = %q", data)
	}
	if !strings.Contains(buf.String(), `"msg":"both"`) {
		t.Errorf("stdout = %q", buf.String())
	}
}

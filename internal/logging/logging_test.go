package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_TextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "text", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	log.Info("hidden")
	log.Warn("shown", "component", "dispatch")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "component=dispatch") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Debug("hello", "rule_id", 7)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if line["msg"] != "hello" || line["rule_id"] != float64(7) {
		t.Errorf("unexpected line: %v", line)
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New("loud", "text", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

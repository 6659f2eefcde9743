// Package logging tests for the structured logger.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestLogger_JSONOutput verifies entries are emitted as JSON with fields.
func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "debug")

	lg.Info("peer connected", map[string]interface{}{"device_id": "dev-1"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	if entry["msg"] != "peer connected" {
		t.Errorf("msg = %v, want 'peer connected'", entry["msg"])
	}
	if entry["device_id"] != "dev-1" {
		t.Errorf("device_id = %v, want 'dev-1'", entry["device_id"])
	}
}

// TestLogger_LevelGate verifies debug entries are dropped at info level.
func TestLogger_LevelGate(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "info")

	lg.Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("debug entry leaked through info level: %s", buf.String())
	}

	lg.Info("should appear")
	if buf.Len() == 0 {
		t.Error("info entry was dropped")
	}
}

// TestLogger_ErrorWithCode verifies the error and code fields.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "debug")

	lg.ErrorWithCode("sync failed", "SYNC_FAILED", errors.New("boom"),
		map[string]interface{}{"device_id": "dev-2"})

	out := buf.String()
	for _, want := range []string{"SYNC_FAILED", "boom", "dev-2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

// TestLogger_BadLevelFallsBack verifies unknown levels default to info.
func TestLogger_BadLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "nonsense")

	lg.Debug("dropped")
	lg.Info("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Error("debug entry should be dropped at the info fallback level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Error("info entry should be kept at the info fallback level")
	}
}

package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordAppendsJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("approval.resolve", "approved", "destructive op", "appr-1")
	Record("approval.resolve", "denied", "", "appr-2")
	if err := Close(); err != nil {
		t.Fatalf("close audit: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("audit line not JSON: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2", len(lines))
	}
	if lines[0]["decision"] != "approved" || lines[1]["decision"] != "denied" {
		t.Fatalf("unexpected decisions: %v / %v", lines[0]["decision"], lines[1]["decision"])
	}
	if lines[0]["subject"] != "appr-1" {
		t.Fatalf("subject = %v, want appr-1", lines[0]["subject"])
	}
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	// Must not panic or create files.
	Record("approval.resolve", "approved", "", "appr-x")
}

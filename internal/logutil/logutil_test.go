package logutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
)

func TestErrorWritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "debug")
	t.Cleanup(func() { Configure(os.Stderr, "info") })

	Error("relay_failed", errors.New("boom"), map[string]interface{}{
		"taskId": "abc",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["message"] != "relay_failed" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry["error"] != "boom" || entry["taskId"] != "abc" {
		t.Fatalf("missing fields: %+v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %+v", entry)
	}
}

func TestConfigureFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "warn")
	t.Cleanup(func() { Configure(os.Stderr, "info") })

	Info("quiet", nil)
	Warn("loud", nil)

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info entry should be filtered: %s", out)
	}
	if !strings.Contains(out, "loud") {
		t.Fatalf("warn entry missing: %s", out)
	}
}

func TestConcurrentWritesStayWholeLines(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "info")
	t.Cleanup(func() { Configure(os.Stderr, "info") })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("relay_chunk", map[string]interface{}{"worker": worker, "seq": j})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 400 {
		t.Fatalf("expected 400 log lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("interleaved log line %q: %v", line, err)
		}
	}
}

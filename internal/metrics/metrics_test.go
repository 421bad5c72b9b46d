package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestRegistryConcurrentAdd(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Inc(TxnCommits)
			}
		}()
	}
	wg.Wait()

	if got := r.Get(TxnCommits); got != 8000 {
		t.Fatalf("Expected 8000 commits, got %d", got)
	}
	if got := r.Get("missing"); got != 0 {
		t.Errorf("Expected 0 for unknown counter, got %d", got)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	r.Add(LogBytesWritten, 10)
	if got := r.Get(LogBytesWritten); got != 0 {
		t.Fatalf("nil registry returned %d", got)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatalf("nil registry snapshot should be empty")
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Add(LogBytesWritten, 42)
	r.Inc(GCFilesCleaned)

	rec := httptest.NewRecorder()
	r.Handler(rec, httptest.NewRequest("GET", "/metrics", nil))

	var got map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got[LogBytesWritten] != 42 || got[GCFilesCleaned] != 1 {
		t.Errorf("Unexpected snapshot %v", got)
	}
	if names := r.Names(); len(names) != 2 || names[0] != GCFilesCleaned {
		t.Errorf("Unexpected names %v", names)
	}
}

package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// Counter names shared by the engine packages.
const (
	LogBytesWritten   = "log_bytes_written"
	LogPaddingBytes   = "log_padding_bytes"
	LogFilesCreated   = "log_files_created"
	LogFilesRemoved   = "log_files_removed"
	LogCacheHits      = "log_cache_hits"
	LogCacheMisses    = "log_cache_misses"
	LogFlushes        = "log_flushes"
	TxnCommits        = "txn_commits"
	TxnAborts         = "txn_aborts"
	TxnConflicts      = "txn_conflicts"
	GCFilesCleaned    = "gc_files_cleaned"
	GCFilesDeleted    = "gc_files_deleted"
	GCCleanFailures   = "gc_clean_failures"
	GCTreesReclaimed  = "gc_trees_reclaimed"
	GCExpiredBytes    = "gc_expired_bytes"
	GCBackgroundRuns  = "gc_background_runs"
	GCFilesCandidates = "gc_files_candidates"
)

// Registry holds named counters. Keys are strings, values are *int64.
// A nil *Registry is valid and drops every update.
type Registry struct {
	counters sync.Map
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc increments a counter by 1.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds delta to a counter.
func (r *Registry) Add(name string, delta int64) {
	if r == nil {
		return
	}
	val, ok := r.counters.Load(name)
	if !ok {
		val, _ = r.counters.LoadOrStore(name, new(int64))
	}
	atomic.AddInt64(val.(*int64), delta)
}

// Get returns the current value of a counter.
func (r *Registry) Get(name string) int64 {
	if r == nil {
		return 0
	}
	val, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(val.(*int64))
}

// Snapshot copies every counter.
func (r *Registry) Snapshot() map[string]int64 {
	snapshot := make(map[string]int64)
	if r == nil {
		return snapshot
	}
	r.counters.Range(func(key, value any) bool {
		snapshot[key.(string)] = atomic.LoadInt64(value.(*int64))
		return true
	})
	return snapshot
}

// Names returns the registered counter names in order.
func (r *Registry) Names() []string {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler is an HTTP handler that exposes all metrics as JSON.
func (r *Registry) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(r.Snapshot())
}

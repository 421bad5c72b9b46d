// Package gc reclaims log files whose data was mostly superseded. Committed
// transactions report expired loggables; files whose utilization falls
// below the threshold are cleaned by rewriting their live nodes in a
// cleaning transaction and removed once no older transaction can read them.
package gc

import (
	"iter"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	xdlog "github.com/myuser/xdstore/internal/log"
	"github.com/myuser/xdstore/internal/metrics"
	"github.com/myuser/xdstore/internal/tree"
)

// Config configures the collector.
type Config struct {
	// MinUtilization is the live share in percent below which a file is
	// cleaned.
	MinUtilization int `yaml:"minUtilization"`
	// FileMinAge is the number of newest files never cleaned. The file being
	// written is always one of them.
	FileMinAge int `yaml:"fileMinAge"`
	// StartIn is the log size in bytes below which the background worker
	// stays idle.
	StartIn   int64             `yaml:"startIn"`
	RunPeriod time.Duration     `yaml:"runPeriod"`
	Logger    *log.Logger       `yaml:"-"`
	Metrics   *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		MinUtilization: 50,
		FileMinAge:     2,
		StartIn:        0,
		RunPeriod:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinUtilization <= 0 || c.MinUtilization > 100 {
		c.MinUtilization = d.MinUtilization
	}
	if c.FileMinAge < 1 {
		c.FileMinAge = 1
	}
	if c.RunPeriod <= 0 {
		c.RunPeriod = d.RunPeriod
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Environment is what the collector needs from the database environment.
type Environment interface {
	Log() *xdlog.Log
	// BeginGCTransaction starts an exclusive transaction over the latest
	// state.
	BeginGCTransaction() (Transaction, error)
	// OldestActiveSequence returns the snapshot sequence of the oldest
	// running transaction.
	OldestActiveSequence() (uint64, bool)
}

// Transaction is a cleaning transaction.
type Transaction interface {
	// MutableTree returns the mutable copy of the live tree with the given
	// structure id. It reports false for structures no store uses anymore.
	MutableTree(structureID int) (tree.MutableTree, bool, error)
	// Commit saves every reclaimed tree and returns the commit sequence.
	Commit() (uint64, error)
	Abort()
}

type fileInfo struct {
	address  int64
	expired  int64
	state    State
	sequence uint64
}

func lessFile(a, b *fileInfo) bool {
	return a.address < b.address
}

// Collector tracks per-file utilization and cleans files.
type Collector struct {
	cfg Config
	env Environment
	log *xdlog.Log

	mu    sync.Mutex
	files *btree.BTreeG[*fileInfo]

	// one cleaning pass at a time
	cleanMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New returns a collector for env. The background worker is not started.
func New(cfg Config, env Environment) *Collector {
	return &Collector{
		cfg:   cfg.withDefaults(),
		env:   env,
		log:   env.Log(),
		files: btree.NewG(8, lessFile),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

func (c *Collector) info(fileAddress int64) *fileInfo {
	if fi, ok := c.files.Get(&fileInfo{address: fileAddress}); ok {
		return fi
	}
	fi := &fileInfo{address: fileAddress}
	c.files.ReplaceOrInsert(fi)
	return fi
}

// young reports whether fileAddress is among the FileMinAge newest file
// positions, which include the file being written.
func (c *Collector) young(fileAddress int64) bool {
	high := c.log.HighFileAddress()
	return fileAddress > high-int64(c.cfg.FileMinAge)*c.log.FileLength()
}

func (c *Collector) eligible(fi *fileInfo) bool {
	threshold := c.log.FileLength() * int64(100-c.cfg.MinUtilization)
	return fi.expired*100 > threshold && !c.young(fi.address)
}

// promote moves eligible live files to Candidate. c.mu must be held.
func (c *Collector) promote(fi *fileInfo) bool {
	if fi.state == Live && c.eligible(fi) {
		fi.state = Candidate
		c.cfg.Metrics.Inc(metrics.GCFilesCandidates)
		return true
	}
	return false
}

// FetchExpired adds the expired loggables of a committed transaction to the
// per-file counters. It returns the number of files that became
// candidates.
func (c *Collector) FetchExpired(expired *tree.ExpiredCollection) int {
	perFile := expired.PerFile()
	if len(perFile) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	promoted := 0
	for fileAddress, n := range perFile {
		if !c.log.HasFile(fileAddress) {
			continue
		}
		fi := c.info(fileAddress)
		fi.expired += n
		c.cfg.Metrics.Add(metrics.GCExpiredBytes, n)
		if c.promote(fi) {
			promoted++
		}
	}
	return promoted
}

// ResetUtilization rebuilds the profile from the live bytes of every file,
// as computed by walking all trees.
func (c *Collector) ResetUtilization(live map[int64]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files.Clear(false)
	for _, fileAddress := range c.log.FileAddresses() {
		size, _ := c.log.FileSize(fileAddress)
		fi := c.info(fileAddress)
		fi.expired = max(0, size-live[fileAddress])
		c.promote(fi)
	}
}

// Stats returns the utilization of every tracked file.
func (c *Collector) Stats() []FileStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []FileStats
	c.files.Ascend(func(fi *fileInfo) bool {
		size, _ := c.log.FileSize(fi.address)
		out = append(out, FileStats{
			Address:  fi.address,
			Size:     size,
			Expired:  fi.expired,
			State:    fi.state.String(),
			Sequence: fi.sequence,
		})
		return true
	})
	return out
}

// State returns the state of the file at fileAddress.
func (c *Collector) State(fileAddress int64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fi, ok := c.files.Get(&fileInfo{address: fileAddress}); ok {
		return fi.state
	}
	if c.log.HasFile(fileAddress) {
		return Live
	}
	return Deleted
}

// Candidates returns the candidate files, least utilized first.
func (c *Collector) Candidates() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found []*fileInfo
	c.files.Ascend(func(fi *fileInfo) bool {
		c.promote(fi)
		if fi.state == Candidate && !c.young(fi.address) {
			found = append(found, fi)
		}
		return true
	})
	slices.SortStableFunc(found, func(a, b *fileInfo) int {
		switch {
		case a.expired > b.expired:
			return -1
		case a.expired < b.expired:
			return 1
		}
		return 0
	})
	out := make([]int64, len(found))
	for i, fi := range found {
		out[i] = fi.address
	}
	return out
}

func (c *Collector) setState(fileAddress int64, s State, sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fi := c.info(fileAddress)
	fi.state, fi.sequence = s, sequence
}

// CleanFile rewrites every live node of the file in a cleaning transaction.
// On success the file waits for deletion; on failure it stays a candidate.
func (c *Collector) CleanFile(fileAddress int64) error {
	c.cleanMu.Lock()
	defer c.cleanMu.Unlock()

	if !c.log.HasFile(fileAddress) {
		return errors.Wrapf(xdlog.ErrFileNotFound, "clean file %d", fileAddress)
	}
	if fileAddress == c.log.HighFileAddress() {
		return errors.Wrapf(xdlog.ErrActiveFile, "clean file %d", fileAddress)
	}
	switch c.State(fileAddress) {
	case PendingDeletion, Deleted:
		return nil
	}

	c.setState(fileAddress, Cleaning, 0)
	seq, err := c.doCleanFile(fileAddress)
	if err != nil {
		c.setState(fileAddress, Candidate, 0)
		c.cfg.Metrics.Inc(metrics.GCCleanFailures)
		return errors.Wrapf(err, "clean file %d", fileAddress)
	}
	c.setState(fileAddress, PendingDeletion, seq)
	c.cfg.Metrics.Inc(metrics.GCFilesCleaned)
	return nil
}

func (c *Collector) doCleanFile(fileAddress int64) (uint64, error) {
	txn, err := c.env.BeginGCTransaction()
	if err != nil {
		return 0, err
	}

	groups := make(map[int][]xdlog.Loggable)
	var order []int
	it := c.log.FileIterator(fileAddress)
	for it.Next() {
		l := it.Loggable()
		if l.StructureID == xdlog.NoStructureID {
			continue
		}
		if _, ok := groups[l.StructureID]; !ok {
			order = append(order, l.StructureID)
		}
		groups[l.StructureID] = append(groups[l.StructureID], l)
	}
	if err := it.Err(); err != nil {
		txn.Abort()
		return 0, err
	}

	for _, sid := range order {
		t, ok, err := txn.MutableTree(sid)
		if err != nil {
			txn.Abort()
			return 0, err
		}
		if !ok {
			continue
		}
		ls := groups[sid]
		reclaimed, err := t.Reclaim(ls[0], following(ls[1:]))
		if err != nil {
			txn.Abort()
			return 0, errors.Wrapf(err, "reclaim structure %d", sid)
		}
		if reclaimed {
			c.cfg.Metrics.Inc(metrics.GCTreesReclaimed)
		}
	}
	return txn.Commit()
}

func following(ls []xdlog.Loggable) iter.Seq[xdlog.Loggable] {
	return func(yield func(xdlog.Loggable) bool) {
		for _, l := range ls {
			if !yield(l) {
				return
			}
		}
	}
}

// DeletePendingFiles removes cleaned files no running transaction can read
// anymore. It returns the number of files removed.
func (c *Collector) DeletePendingFiles() int {
	oldest, active := c.env.OldestActiveSequence()

	c.mu.Lock()
	var ready []*fileInfo
	c.files.Ascend(func(fi *fileInfo) bool {
		if fi.state == PendingDeletion && (!active || fi.sequence <= oldest) {
			ready = append(ready, fi)
		}
		return true
	})
	c.mu.Unlock()

	removed := 0
	for _, fi := range ready {
		// another sweep may have taken the file since the scan
		c.mu.Lock()
		claimed := fi.state == PendingDeletion
		if claimed {
			fi.state = Deleted
		}
		c.mu.Unlock()
		if !claimed {
			continue
		}
		if err := c.log.RemoveFile(fi.address); err != nil && !errors.Is(err, xdlog.ErrFileNotFound) {
			c.cfg.Logger.Printf("gc: remove file %d: %v", fi.address, err)
			c.mu.Lock()
			fi.state = PendingDeletion
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		c.files.Delete(fi)
		c.mu.Unlock()
		c.cfg.Metrics.Inc(metrics.GCFilesDeleted)
		removed++
	}
	return removed
}

// CleanWholeLog cleans candidates round after round until none is left,
// only the file being written remains or a round does not shrink the log.
func (c *Collector) CleanWholeLog() error {
	size := c.logSize()
	for len(c.log.FileAddresses()) > 1 {
		cleaned := 0
		for _, f := range c.Candidates() {
			if err := c.CleanFile(f); err != nil {
				c.cfg.Logger.Printf("gc: %v", err)
				continue
			}
			cleaned++
		}
		c.DeletePendingFiles()
		if cleaned == 0 {
			return nil
		}
		next := c.logSize()
		if next >= size {
			return nil
		}
		size = next
	}
	return nil
}

// logSize returns the bytes held by all files of the log.
func (c *Collector) logSize() int64 {
	var n int64
	for _, f := range c.log.FileAddresses() {
		size, _ := c.log.FileSize(f)
		n += size
	}
	return n
}

// Start launches the background worker.
func (c *Collector) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// Wake asks the worker for a pass without waiting for the next tick.
func (c *Collector) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close stops the worker and waits for it.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *Collector) worker() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RunPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.runOnce()
	}
}

// runOnce cleans the current candidates and sweeps pending deletions.
func (c *Collector) runOnce() {
	c.cfg.Metrics.Inc(metrics.GCBackgroundRuns)
	c.DeletePendingFiles()
	if c.log.HighAddress()-c.log.LowAddress() < c.cfg.StartIn {
		return
	}
	for _, f := range c.Candidates() {
		select {
		case <-c.stop:
			return
		default:
		}
		if err := c.CleanFile(f); err != nil {
			c.cfg.Logger.Printf("gc: %v", err)
		}
	}
	c.DeletePendingFiles()
}

package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Collector hooks: world-level mark and update
// ---------------------------------------------------------------------------

// MarkRoots visits every object or handle reference held in world-owned
// tables: class attributes, constants and class variables, globals,
// staged deferred constants, and side-table rows. References reachable
// only through objects the embedder holds are the embedder's to mark.
func (w *World) MarkRoots(visit func(Value)) {
	for _, c := range w.Classes.All() {
		c.MarkRefs(visit)
	}
	w.Globals.MarkRefs(visit)
	w.Autoloads.MarkRefs(visit)

	w.sideMu.RLock()
	for _, row := range w.side {
		for _, v := range row.slots {
			if v.IsObject() || v.IsHandle() {
				visit(v)
			}
		}
	}
	w.sideMu.RUnlock()
}

// UpdateReferences rewrites every reference held in world-owned tables
// through update, which must return its argument unchanged for values it
// does not relocate. Side-table keys are handle values the world itself
// issued; relocation never renames them, so only the slots are rewritten.
func (w *World) UpdateReferences(update func(Value) Value) {
	for _, c := range w.Classes.All() {
		c.UpdateRefs(update)
	}
	w.Globals.UpdateRefs(update)
	w.Autoloads.UpdateRefs(update)

	w.sideMu.Lock()
	for _, row := range w.side {
		for i, v := range row.slots {
			row.slots[i] = update(v)
		}
	}
	w.sideMu.Unlock()
}

// ---------------------------------------------------------------------------
// Collector: periodic reclamation of world-side garbage
// ---------------------------------------------------------------------------

// SweepStats holds statistics from a single sweep.
type SweepStats struct {
	EmptyRows        int
	OrphanRows       int
	StaleCvarEntries int
	TotalSwept       int
	SweepDuration    time.Duration
	Timestamp        time.Time
}

// Collector periodically sweeps world tables to reclaim entries nothing
// can reach anymore. This prevents memory leaks in long-running hosts
// (servers, REPLs, IDE sessions).
type Collector struct {
	world    *World
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	// Statistics
	sweepCount atomic.Uint64
	lastStats  atomic.Value // *SweepStats
}

// DefaultSweepInterval is the default interval between sweeps.
const DefaultSweepInterval = 30 * time.Second

// NewCollector creates a new Collector for the given world with the
// specified sweep interval. Use DefaultSweepInterval for the default (30s).
func NewCollector(world *World, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	c := &Collector{
		world:    world,
		interval: interval,
	}
	c.enabled.Store(true)
	return c
}

// Start begins the periodic sweep goroutine. It is safe to call Start
// multiple times; only one sweep loop will run.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return // already running
	}

	c.stop = make(chan struct{})
	c.stopped = make(chan struct{})

	// Capture channels locally so the goroutine does not read c.stop/c.stopped
	// after Stop() has nilled them out.
	stopCh := c.stop
	stoppedCh := c.stopped
	go c.loop(stopCh, stoppedCh)
}

// Stop halts the periodic sweep goroutine and waits for it to finish.
// It is safe to call Stop multiple times or on a collector that was
// never started.
func (c *Collector) Stop() {
	c.mu.Lock()
	stopCh := c.stop
	stoppedCh := c.stopped
	c.stop = nil
	c.stopped = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables sweeping. When disabled, the goroutine
// still runs but skips sweep operations.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// IsEnabled returns whether sweeping is currently enabled.
func (c *Collector) IsEnabled() bool {
	return c.enabled.Load()
}

// Interval returns the current sweep interval.
func (c *Collector) Interval() time.Duration {
	return c.interval
}

// SweepCount returns the total number of sweeps performed.
func (c *Collector) SweepCount() uint64 {
	return c.sweepCount.Load()
}

// LastStats returns statistics from the most recent sweep, or nil if no
// sweep has been performed yet.
func (c *Collector) LastStats() *SweepStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*SweepStats)
}

// SweepNow performs an immediate sweep regardless of the timer.
// This is useful for testing and manual cleanup.
func (c *Collector) SweepNow() *SweepStats {
	return c.sweep()
}

// loop is the main collector goroutine that periodically invokes sweep.
// stopCh and stoppedCh are captured copies of c.stop and c.stopped to
// avoid reading struct fields that may be nilled by Stop().
func (c *Collector) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if c.enabled.Load() {
				c.sweep()
			}
		}
	}
}

// sweep performs one pass over the world tables and removes stale
// entries. Each step takes only the lock of the table it walks, so
// sweeping runs concurrently with readers.
func (c *Collector) sweep() *SweepStats {
	start := time.Now()
	stats := &SweepStats{
		Timestamp: start,
	}

	// 1. Drop side-table rows without a live handle or without any set slot
	stats.EmptyRows, stats.OrphanRows = c.world.sweepSideRows()

	// 2. Prune class-variable cache entries invalidated by a later write
	stats.StaleCvarEntries = c.world.sweepCvarCaches()

	// Note: we do NOT sweep the handle table here. A registered host
	// object stays live until the embedder releases it; whether the
	// foreign state behind a handle is still needed is not decidable
	// from inside the world.

	stats.TotalSwept = stats.EmptyRows + stats.OrphanRows + stats.StaleCvarEntries
	stats.SweepDuration = time.Since(start)

	c.sweepCount.Add(1)
	c.lastStats.Store(stats)

	return stats
}

// ---------------------------------------------------------------------------
// World sweep passes
// ---------------------------------------------------------------------------

// sweepSideRows removes attribute rows whose handle has been released
// and rows in which every slot has been deleted.
func (w *World) sweepSideRows() (empty, orphan int) {
	w.sideMu.Lock()
	defer w.sideMu.Unlock()

	for key, row := range w.side {
		switch {
		case w.Handles.Get(key) == nil:
			delete(w.side, key)
			orphan++
		case row.allUndef():
			delete(w.side, key)
			empty++
		}
	}
	return empty, orphan
}

// sweepCvarCaches removes class-variable cache entries whose stamp no
// longer matches the world's write stamp. Stale entries are already
// ignored by reads; pruning only bounds the cache's size.
func (w *World) sweepCvarCaches() int {
	current := w.cvarStamp.Load()
	swept := 0
	for _, c := range w.Classes.All() {
		c.mu.Lock()
		for id, ent := range c.cvarCache {
			if ent.stamp != current {
				delete(c.cvarCache, id)
				swept++
			}
		}
		c.mu.Unlock()
	}
	return swept
}

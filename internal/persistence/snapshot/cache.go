package snapshot

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agorasim.ai/internal/sim/world"
)

const defaultDebounce = 200 * time.Millisecond

// Cache holds the latest snapshot per tenant and persists dirty ones to disk
// on a debounce, so a burst of fast ticks costs one write, not one per tick.
// An empty dir disables persistence; the cache is then memory-only.
type Cache struct {
	dir      string
	debounce time.Duration
	logger   *log.Logger

	mu     sync.RWMutex
	latest map[string]world.Snapshot
	dirty  map[string]bool

	kick  chan struct{}
	flush chan chan struct{}
	stop  chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewCache(dir string, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stdout, "[snapshot] ", log.LstdFlags|log.Lmicroseconds)
	}
	c := &Cache{
		dir:      dir,
		debounce: defaultDebounce,
		logger:   logger,
		latest:   map[string]world.Snapshot{},
		dirty:    map[string]bool{},
		kick:     make(chan struct{}, 1),
		flush:    make(chan chan struct{}, 8),
		stop:     make(chan struct{}),
	}
	if c.dir != "" {
		c.wg.Add(1)
		go c.persistLoop()
	}
	return c
}

// Update replaces a tenant's snapshot and schedules a persist.
func (c *Cache) Update(snap world.Snapshot) {
	if snap.TenantID == "" {
		return
	}
	c.mu.Lock()
	c.latest[snap.TenantID] = snap
	c.dirty[snap.TenantID] = true
	c.mu.Unlock()

	if c.dir == "" {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Latest returns the newest snapshot for one tenant.
func (c *Cache) Latest(tenantID string) (world.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.latest[tenantID]
	return snap, ok
}

// TenantIDs lists cached tenants, sorted.
func (c *Cache) TenantIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.latest))
	for id := range c.latest {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Drop forgets a tenant, e.g. after a reset, and removes its file.
func (c *Cache) Drop(tenantID string) {
	c.mu.Lock()
	delete(c.latest, tenantID)
	delete(c.dirty, tenantID)
	c.mu.Unlock()
	if c.dir != "" {
		_ = os.Remove(PathFor(c.dir, tenantID))
	}
}

// Restore loads every persisted snapshot from disk, warming the cache before
// schedulers start. Missing or unreadable files are skipped, not fatal; the
// store rebuilds the world either way.
func (c *Cache) Restore() error {
	if c.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(c.dir, "tenants"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := ReadSnapshot(PathFor(c.dir, e.Name()))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Printf("restore %s: %v", e.Name(), err)
			}
			continue
		}
		w := snap.World()
		c.mu.Lock()
		c.latest[w.TenantID] = w
		c.mu.Unlock()
	}
	return nil
}

// Flush forces pending writes out and waits for them.
func (c *Cache) Flush(ctx context.Context) error {
	if c.dir == "" {
		return nil
	}
	ack := make(chan struct{})
	select {
	case c.flush <- ack:
	case <-c.stop:
		return errors.New("snapshot: cache closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes whatever is dirty and stops the persist loop. Safe to call
// twice.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) persistLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-c.stop:
			c.writeDirty()
			return
		case <-c.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.debounce)
		case <-timer.C:
			c.writeDirty()
		case ack := <-c.flush:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			c.writeDirty()
			close(ack)
		}
	}
}

func (c *Cache) writeDirty() {
	c.mu.Lock()
	snaps := make([]world.Snapshot, 0, len(c.dirty))
	for id := range c.dirty {
		if snap, ok := c.latest[id]; ok {
			snaps = append(snaps, snap)
		}
	}
	c.dirty = map[string]bool{}
	c.mu.Unlock()

	for _, snap := range snaps {
		if err := WriteSnapshot(PathFor(c.dir, snap.TenantID), FromWorld(snap)); err != nil {
			c.logger.Printf("persist %s: %v", snap.TenantID, err)
		}
	}
}

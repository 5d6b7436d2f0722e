package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storageengine/internal/config"
	"storageengine/internal/lockstats"
	"storageengine/internal/storage/pager"
	"storageengine/internal/storage/txnstate"
	"storageengine/internal/storage/wal"
)

// Connection is a single open database directory: it owns the GlobalWAL,
// the GlobalTxnState, and a handle cache mapping store name to Table
// (§3 Ownership). One process may open several Connections, each
// independent (no package-level singletons, per §9 "Global state").
type Connection struct {
	id  uuid.UUID
	dir string
	cfg config.Config
	log zerolog.Logger

	w    *wal.WAL
	txns *txnstate.State

	handleMu sync.RWMutex
	handles  map[string]*Table

	commitMu               sync.Mutex
	commitsSinceCheckpoint uint64

	stats *lockstats.Sidecar // nil unless lock_stats_enabled
}

// Open opens (creating if needed) the database directory dir under cfg,
// replaying the WAL via two-pass recovery before returning (§4.9).
func Open(dir string, cfg config.Config) (*Connection, error) {
	id := uuid.New()
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("component", "engine").
		Str("conn_id", id.String()).
		Str("dir", dir).
		Logger()

	c := &Connection{
		id: id, dir: dir, cfg: cfg, log: logger,
		handles: make(map[string]*Table),
	}

	if cfg.LockStatsEnabled {
		sc, err := lockstats.Open(filepath.Join(dir, "lockstats.db"))
		if err != nil {
			return nil, err
		}
		c.stats = sc
	}

	if cfg.WalEnabled {
		w, err := wal.Open(filepath.Join(dir, "global.wal"), cfg.WalSyncIntervalMs)
		if err != nil {
			return nil, err
		}
		c.w = w
	}

	maxTxnID, err := c.recover()
	if err != nil {
		return nil, err
	}
	c.txns = txnstate.New(txnstate.TxnID(maxTxnID + 1))

	logger.Info().Msg("connection opened")
	return c, nil
}

// pagerConfig derives a pager.Config from the connection's engine config.
func (c *Connection) pagerConfig() pager.Config {
	return pager.Config{CacheCapacityPages: int(c.cfg.CacheCapacityPages)}
}

// uriToStoreAndPath maps a Session.OpenCursor uri (§6: "table:<name>" or
// "index:<name>:<field>") to its on-disk file name under the connection's
// directory.
func uriToStoreAndPath(dir, uri string) (store, path string, err error) {
	switch {
	case strings.HasPrefix(uri, "table:"):
		name := strings.TrimPrefix(uri, "table:")
		if name == "" {
			return "", "", fmt.Errorf("engine: empty table uri")
		}
		return "table:" + name, filepath.Join(dir, name+".main.wt"), nil
	case strings.HasPrefix(uri, "index:"):
		rest := strings.TrimPrefix(uri, "index:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("engine: malformed index uri %q", uri)
		}
		return "index:" + parts[0] + ":" + parts[1], filepath.Join(dir, parts[0]+"."+parts[1]+".idx.wt"), nil
	default:
		return "", "", fmt.Errorf("engine: unrecognized uri %q", uri)
	}
}

// openHandle returns the cached Table for store, opening (and caching) it
// on first use. store is the normalized "table:<name>" / "index:<name>:
// <field>" key returned by uriToStoreAndPath, used directly as the WAL's
// store name tag.
func (c *Connection) openHandle(store, path string) (*Table, error) {
	c.handleMu.RLock()
	t, ok := c.handles[store]
	c.handleMu.RUnlock()
	if ok {
		return t, nil
	}

	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	if t, ok := c.handles[store]; ok {
		return t, nil
	}
	t, err := openOrCreateTable(store, path, c.cfg.PageSize, c.cfg.PreallocatePages, c.pagerConfig())
	if err != nil {
		return nil, err
	}
	c.handles[store] = t
	return t, nil
}

// OpenTableByURI resolves uri to its Table handle, opening it if this is
// the first reference (used by OpenSession's Cursor path and by
// recovery's replay, which opens tables directly without a session).
func (c *Connection) OpenTableByURI(uri string) (*Table, error) {
	store, path, err := uriToStoreAndPath(c.dir, uri)
	if err != nil {
		return nil, err
	}
	return c.openHandle(store, path)
}

// OpenSession opens a new Session bound to this connection.
func (c *Connection) OpenSession() *Session {
	return &Session{conn: c, id: uuid.New()}
}

// Checkpoint performs a global checkpoint across every open table,
// skipping WAL truncation if any transaction is active (§4.8, §9).
// Called directly by tests/CLI and by the checkpoint scheduler
// (maybeScheduledCheckpoint); sessions normally checkpoint via
// Session.Checkpoint, which also rejects an active txn on its own
// session first (ActiveTxnInFlight, §7).
func (c *Connection) Checkpoint() error {
	c.log.Debug().Msg("checkpoint: start")
	c.handleMu.RLock()
	tables := make([]*Table, 0, len(c.handles))
	for _, t := range c.handles {
		tables = append(tables, t)
	}
	c.handleMu.RUnlock()

	for _, t := range tables {
		if err := t.Checkpoint(); err != nil {
			return err
		}
	}

	if c.w == nil {
		return nil
	}
	lsn, err := c.w.AppendCheckpoint()
	if err != nil {
		return err
	}
	if err := c.w.Sync(); err != nil {
		return err
	}
	if err := c.w.RecordCheckpoint(lsn); err != nil {
		return err
	}
	if c.txns.ActiveCount() == 0 {
		if err := c.w.TruncateToHeader(); err != nil {
			return err
		}
	} else {
		c.log.Warn().Msg("checkpoint: active transactions present, WAL truncation skipped")
	}
	c.commitMu.Lock()
	c.commitsSinceCheckpoint = 0
	c.commitMu.Unlock()
	c.log.Debug().Int("tables", len(tables)).Msg("checkpoint: done")
	return nil
}

// maybeScheduledCheckpoint is called after every successful commit; when
// checkpoint_after_updates is configured, it triggers a checkpoint once N
// commits have accumulated. This is a synchronous counter on the commit
// path, not a background goroutine (§9 supplemented-features rationale:
// the spec's concurrency model names no built-in timeout or background
// thread for the engine itself).
func (c *Connection) maybeScheduledCheckpoint() error {
	if c.cfg.CheckpointAfterUpdates == nil {
		return nil
	}
	c.commitMu.Lock()
	c.commitsSinceCheckpoint++
	due := c.commitsSinceCheckpoint >= *c.cfg.CheckpointAfterUpdates
	c.commitMu.Unlock()
	if !due {
		return nil
	}
	return c.Checkpoint()
}

// Close flushes and closes every open table handle, the WAL, and the
// optional lock-stats sidecar.
func (c *Connection) Close() error {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	for name, t := range c.handles {
		if err := t.Close(); err != nil {
			return fmt.Errorf("engine: close %s: %w", name, err)
		}
	}
	if c.w != nil {
		if err := c.w.Close(); err != nil {
			return err
		}
	}
	if c.stats != nil {
		if err := c.stats.Close(); err != nil {
			return err
		}
	}
	return nil
}

// recordWait reports a lock-wait duration to the lock-stats sidecar when
// lock_stats_enabled is set; a no-op otherwise.
func (c *Connection) recordWait(site string, d time.Duration) {
	if c.stats == nil {
		return
	}
	if err := c.stats.RecordWait(site, d.Nanoseconds()); err != nil {
		c.log.Warn().Err(err).Str("site", site).Msg("lockstats: record wait failed")
	}
}

// Stats reports per-table occupancy plus (if enabled) lock-contention
// counters, for the CLI stats subcommand.
type ConnStats struct {
	Tables map[string]Stats
	Locks  map[string]int64
}

func (c *Connection) Stats() (ConnStats, error) {
	c.handleMu.RLock()
	defer c.handleMu.RUnlock()
	out := ConnStats{Tables: make(map[string]Stats, len(c.handles))}
	for name, t := range c.handles {
		s, err := t.Stats()
		if err != nil {
			return ConnStats{}, err
		}
		out.Tables[name] = s
	}
	if c.stats != nil {
		locks, err := c.stats.Snapshot()
		if err != nil {
			return ConnStats{}, err
		}
		out.Locks = locks
	}
	return out, nil
}

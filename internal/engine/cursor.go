package engine

import (
	"storageengine/internal/engineerr"
	"storageengine/internal/storage/btree"
)

// Cursor is the engine's external, uri-scoped handle for get/put/delete/
// next/reset against opaque byte keys (§6 Engine API).
type Cursor struct {
	sess  *Session
	store string
	table *Table

	it         *btree.RangeIterator
	key, value []byte
	valid      bool
}

// Get returns the value for key, or engineerr.NotFound if absent.
func (c *Cursor) Get(key []byte) ([]byte, error) {
	v, found, err := c.sess.Get(c.store, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, engineerr.NotFound
	}
	return v, nil
}

// Put inserts or replaces key with value, within the session's current
// transaction (or a fresh autocommit one if none is active).
func (c *Cursor) Put(key, value []byte) error {
	return c.sess.Put(c.store, key, value)
}

// Delete removes key. Absence is not an error (§7 NotFound).
func (c *Cursor) Delete(key []byte) error {
	return c.sess.Delete(c.store, key)
}

// Reset repositions the cursor before the first key, closing any
// in-progress range iterator.
func (c *Cursor) Reset() error {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
	c.valid = false
	return nil
}

// Next advances to the next key in ascending order, overlaying MVCC
// visibility (under the session's current snapshot) onto the underlying
// B+ tree scan, and reports whether a qualifying entry was found.
func (c *Cursor) Next() (bool, error) {
	if c.it == nil {
		it, err := c.table.bt.NewRangeIterator(nil, true, nil, true)
		if err != nil {
			return false, err
		}
		c.it = it
	}
	snap := c.sess.currentSnapshot()
	for {
		k, v, ok, err := c.it.Next()
		if err != nil {
			c.valid = false
			return false, err
		}
		if !ok {
			c.valid = false
			return false, nil
		}
		if mv, tomb, has := c.table.chains.Visible(k, c.sess.conn.txns, snap); has {
			if tomb {
				continue
			}
			c.key = append([]byte(nil), k...)
			c.value = append([]byte(nil), mv...)
		} else {
			c.key = append([]byte(nil), k...)
			c.value = append([]byte(nil), v...)
		}
		c.valid = true
		return true, nil
	}
}

// Key returns the key at the cursor's current position. Only valid after
// Next returns true.
func (c *Cursor) Key() []byte { return c.key }

// Value returns the value at the cursor's current position. Only valid
// after Next returns true.
func (c *Cursor) Value() []byte { return c.value }

// Close releases any pinned leaf page held by an in-progress scan.
func (c *Cursor) Close() error {
	if c.it != nil {
		return c.it.Close()
	}
	return nil
}

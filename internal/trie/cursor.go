package trie

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// A Cursor walks a trie's keys in sorted order from a fixed root. It holds
// a path of (node ID, position) frames; per §4.4 a cursor's validity ends
// when the session that created it ends, since the nodes on its path may be
// reclaimed once the session releases its hold on them.
type Cursor struct {
	t      *Trie
	keyBuf []byte
	inner  []*innerFrame
	leaf   *leafFrame
	valid  bool
}

type innerFrame struct {
	hdr      nodestore.InnerHeader
	branches []nodestore.Branch

	// state: -1 = undetermined (never left this way once seeded), -2 =
	// positioned at this node's own eof value, i>=0 = positioned at
	// branches[i], whose subtree is either currently pushed above this
	// frame or has already been fully visited.
	state int
}

type leafFrame struct {
	entries []nodestore.BinaryEntry
	idx     int
}

// LowerBound positions a cursor at the first key >= key. If no such key
// exists the cursor is positioned past the end (Key/Value invalid, Next and
// Previous report false).
func (t *Trie) LowerBound(root uint64, key []byte) (*Cursor, error) {
	c := &Cursor{t: t}
	if root == 0 {
		return c, nil
	}
	ok, err := c.seekLowerBound(root, key)
	if err != nil {
		return nil, err
	}
	c.valid = ok
	return c, nil
}

// First positions a cursor at the trie's smallest key.
func (t *Trie) First(root uint64) (*Cursor, error) {
	return t.LowerBound(root, nil)
}

// Valid reports whether the cursor is positioned at a key.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the key at the cursor's current position.
func (c *Cursor) Key() []byte {
	out := make([]byte, len(c.keyBuf))
	copy(out, c.keyBuf)
	return out
}

// Value reads the value at the cursor's current position.
func (c *Cursor) Value() ([]byte, error) {
	if !c.valid {
		return nil, fmt.Errorf("trie: cursor not positioned at a key: %w", tderrors.ErrInvalidInput)
	}
	id, ok := c.currentValueID()
	if !ok {
		return nil, fmt.Errorf("trie: cursor: %w", tderrors.ErrCorrupt)
	}
	return c.t.store.ReadValue(id)
}

func (c *Cursor) currentValueID() (uint64, bool) {
	if c.leaf != nil {
		if c.leaf.idx >= len(c.leaf.entries) {
			return 0, false
		}
		return c.leaf.entries[c.leaf.idx].ValueID, true
	}
	if len(c.inner) == 0 {
		return 0, false
	}
	top := c.inner[len(c.inner)-1]
	if top.state == -2 {
		return top.hdr.EOFValue, true
	}
	return 0, false
}

// Next advances the cursor to the next key, reporting whether one exists.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}

	if c.leaf != nil {
		if c.leaf.idx+1 < len(c.leaf.entries) {
			c.keyBuf = c.keyBuf[:len(c.keyBuf)-len(c.leaf.entries[c.leaf.idx].Key)]
			c.leaf.idx++
			c.keyBuf = append(c.keyBuf, c.leaf.entries[c.leaf.idx].Key...)
			return true, nil
		}
		c.keyBuf = c.keyBuf[:len(c.keyBuf)-len(c.leaf.entries[c.leaf.idx].Key)]
		c.leaf = nil
	}

	for len(c.inner) > 0 {
		top := c.inner[len(c.inner)-1]

		if top.state == -1 {
			if top.hdr.EOFPresent {
				top.state = -2
				c.valid = true
				return true, nil
			}
			top.state = -2 // fall through to branch-seeking below
		}

		if top.state == -2 {
			if len(top.branches) == 0 {
				c.popInner()
				continue
			}
			if err := c.descendBranch(top, 0); err != nil {
				return false, err
			}
			c.valid = true
			return true, nil
		}

		// state >= 0: that branch's subtree (pushed above top) has been
		// fully exhausted already, since control returned to this frame.
		c.keyBuf = c.keyBuf[:len(c.keyBuf)-1] // drop branches[state].Byte
		next := top.state + 1
		if next < len(top.branches) {
			if err := c.descendBranch(top, next); err != nil {
				return false, err
			}
			c.valid = true
			return true, nil
		}
		c.popInner()
	}

	c.valid = false
	return false, nil
}

// Previous retreats the cursor to the preceding key.
func (c *Cursor) Previous() (bool, error) {
	if !c.valid {
		return false, nil
	}

	if c.leaf != nil {
		if c.leaf.idx > 0 {
			c.keyBuf = c.keyBuf[:len(c.keyBuf)-len(c.leaf.entries[c.leaf.idx].Key)]
			c.leaf.idx--
			c.keyBuf = append(c.keyBuf, c.leaf.entries[c.leaf.idx].Key...)
			return true, nil
		}
		c.keyBuf = c.keyBuf[:len(c.keyBuf)-len(c.leaf.entries[c.leaf.idx].Key)]
		c.leaf = nil
	}

	for len(c.inner) > 0 {
		top := c.inner[len(c.inner)-1]

		if top.state == -2 {
			// Positioned at this node's own eof value, the smallest
			// possible position: nothing precedes it here.
			c.popInner()
			continue
		}

		if top.state >= 0 {
			c.keyBuf = c.keyBuf[:len(c.keyBuf)-1]
		}

		prev := top.state - 1
		if prev >= 0 {
			if err := c.descendBranchRightmost(top, prev); err != nil {
				return false, err
			}
			c.valid = true
			return true, nil
		}

		if top.hdr.EOFPresent {
			top.state = -2
			c.valid = true
			return true, nil
		}
		c.popInner()
	}

	c.valid = false
	return false, nil
}

func (c *Cursor) popInner() {
	top := c.inner[len(c.inner)-1]
	c.keyBuf = c.keyBuf[:len(c.keyBuf)-len(top.hdr.Prefix)]
	c.inner = c.inner[:len(c.inner)-1]
}

// descendBranch enters branches[idx]'s child and pushes frames down to its
// leftmost (smallest-key) position.
func (c *Cursor) descendBranch(top *innerFrame, idx int) error {
	top.state = idx
	c.keyBuf = append(c.keyBuf, top.branches[idx].Byte)
	return c.pushLeftmost(top.branches[idx].ChildID)
}

func (c *Cursor) descendBranchRightmost(top *innerFrame, idx int) error {
	top.state = idx
	c.keyBuf = append(c.keyBuf, top.branches[idx].Byte)
	return c.pushRightmost(top.branches[idx].ChildID)
}

// pushLeftmost pushes frames for id and everything along its smallest-key
// path, leaving the cursor positioned at the overall smallest key reachable
// from id.
func (c *Cursor) pushLeftmost(id uint64) error {
	for {
		typ := c.t.store.Type(id)
		if typ == idtable.TypeBinary {
			entries, err := c.t.store.ReadBinary(id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("trie: empty binary leaf reachable from a branch: %w", tderrors.ErrCorrupt)
			}
			c.leaf = &leafFrame{entries: entries, idx: 0}
			c.keyBuf = append(c.keyBuf, entries[0].Key...)
			return nil
		}

		hdr, branches, err := c.t.loadInner(id, typ)
		if err != nil {
			return err
		}
		c.keyBuf = append(c.keyBuf, hdr.Prefix...)
		frame := &innerFrame{hdr: hdr, branches: branches, state: -1}
		c.inner = append(c.inner, frame)

		if hdr.EOFPresent {
			frame.state = -2
			return nil
		}
		if len(branches) == 0 {
			return fmt.Errorf("trie: inner node with no eof value and no branches: %w", tderrors.ErrCorrupt)
		}
		frame.state = 0
		c.keyBuf = append(c.keyBuf, branches[0].Byte)
		id = branches[0].ChildID
	}
}

// pushRightmost is pushLeftmost's mirror, descending to the largest key
// reachable from id.
func (c *Cursor) pushRightmost(id uint64) error {
	for {
		typ := c.t.store.Type(id)
		if typ == idtable.TypeBinary {
			entries, err := c.t.store.ReadBinary(id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("trie: empty binary leaf reachable from a branch: %w", tderrors.ErrCorrupt)
			}
			last := len(entries) - 1
			c.leaf = &leafFrame{entries: entries, idx: last}
			c.keyBuf = append(c.keyBuf, entries[last].Key...)
			return nil
		}

		hdr, branches, err := c.t.loadInner(id, typ)
		if err != nil {
			return err
		}
		c.keyBuf = append(c.keyBuf, hdr.Prefix...)
		frame := &innerFrame{hdr: hdr, branches: branches}

		if len(branches) > 0 {
			last := len(branches) - 1
			frame.state = last
			c.inner = append(c.inner, frame)
			c.keyBuf = append(c.keyBuf, branches[last].Byte)
			id = branches[last].ChildID
			continue
		}

		if !hdr.EOFPresent {
			return fmt.Errorf("trie: inner node with no eof value and no branches: %w", tderrors.ErrCorrupt)
		}
		frame.state = -2
		c.inner = append(c.inner, frame)
		return nil
	}
}

// seekLowerBound positions the cursor at the first key >= key within the
// subtree rooted at id, returning false (with keyBuf/frames rolled back to
// their state on entry) if no such key exists there.
func (c *Cursor) seekLowerBound(id uint64, key []byte) (bool, error) {
	typ := c.t.store.Type(id)

	if typ == idtable.TypeBinary {
		entries, err := c.t.store.ReadBinary(id)
		if err != nil {
			return false, err
		}
		idx := sort.Search(len(entries), func(i int) bool {
			return bytes.Compare(entries[i].Key, key) >= 0
		})
		if idx >= len(entries) {
			return false, nil
		}
		c.leaf = &leafFrame{entries: entries, idx: idx}
		c.keyBuf = append(c.keyBuf, entries[idx].Key...)
		return true, nil
	}

	hdr, branches, err := c.t.loadInner(id, typ)
	if err != nil {
		return false, err
	}

	common := commonPrefixLen(key, hdr.Prefix)
	if common < len(hdr.Prefix) {
		if common < len(key) && key[common] > hdr.Prefix[common] {
			// key diverges from the prefix on the high side: every key in
			// this subtree is smaller than key, nothing here qualifies.
			return false, nil
		}
		// Either key ran out while still matching (key is a proper prefix
		// of hdr.Prefix) or it diverges lower: key <= everything here.
		c.keyBuf = append(c.keyBuf, hdr.Prefix...)
		frame := &innerFrame{hdr: hdr, branches: branches, state: -1}
		c.inner = append(c.inner, frame)
		if err := c.seedLeftmostInto(frame); err != nil {
			return false, err
		}
		return true, nil
	}

	// key shares this node's entire prefix.
	rest := key[len(hdr.Prefix):]
	baseLen := len(c.keyBuf)
	c.keyBuf = append(c.keyBuf, hdr.Prefix...)
	frame := &innerFrame{hdr: hdr, branches: branches, state: -1}

	if len(rest) == 0 {
		c.inner = append(c.inner, frame)
		if err := c.seedLeftmostInto(frame); err != nil {
			return false, err
		}
		return true, nil
	}

	bsel := rest[0]
	startIdx := sort.Search(len(branches), func(i int) bool { return branches[i].Byte >= bsel })

	if startIdx < len(branches) && branches[startIdx].Byte == bsel {
		frame.state = startIdx
		c.inner = append(c.inner, frame)
		c.keyBuf = append(c.keyBuf, bsel)
		ok, err := c.seekLowerBound(branches[startIdx].ChildID, rest[1:])
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Nothing at or after rest[1:] within that exact-byte subtree;
		// fall back to the next branch strictly greater than bsel.
		c.keyBuf = c.keyBuf[:len(c.keyBuf)-1]
		c.inner = c.inner[:len(c.inner)-1]
		startIdx++
	}

	if startIdx >= len(branches) {
		c.keyBuf = c.keyBuf[:baseLen]
		return false, nil
	}

	frame.state = startIdx
	c.inner = append(c.inner, frame)
	c.keyBuf = append(c.keyBuf, branches[startIdx].Byte)
	if err := c.pushLeftmost(branches[startIdx].ChildID); err != nil {
		return false, err
	}
	return true, nil
}

// seedLeftmostInto positions frame (already pushed) at its own leftmost
// item: its eof value if present, else its first branch's leftmost
// descendant.
func (c *Cursor) seedLeftmostInto(frame *innerFrame) error {
	if frame.hdr.EOFPresent {
		frame.state = -2
		return nil
	}
	if len(frame.branches) == 0 {
		return fmt.Errorf("trie: inner node with no eof value and no branches: %w", tderrors.ErrCorrupt)
	}
	frame.state = 0
	c.keyBuf = append(c.keyBuf, frame.branches[0].Byte)
	return c.pushLeftmost(frame.branches[0].ChildID)
}

// GetGreaterEqual is a one-shot wrapper over LowerBound.
func (t *Trie) GetGreaterEqual(root uint64, key []byte) (k, v []byte, ok bool, err error) {
	c, err := t.LowerBound(root, key)
	if err != nil {
		return nil, nil, false, err
	}
	if !c.Valid() {
		return nil, nil, false, nil
	}
	v, err = c.Value()
	if err != nil {
		return nil, nil, false, err
	}
	return c.Key(), v, true, nil
}

// GetLessThan is a one-shot wrapper over LowerBound+Previous.
func (t *Trie) GetLessThan(root uint64, key []byte) (k, v []byte, ok bool, err error) {
	c, err := t.LowerBound(root, key)
	if err != nil {
		return nil, nil, false, err
	}
	if c.Valid() {
		hasPrev, err := c.Previous()
		if err != nil {
			return nil, nil, false, err
		}
		if !hasPrev {
			return nil, nil, false, nil
		}
	} else {
		first, err := t.Last(root)
		if err != nil {
			return nil, nil, false, err
		}
		if !first.Valid() {
			return nil, nil, false, nil
		}
		c = first
	}
	v, err = c.Value()
	if err != nil {
		return nil, nil, false, err
	}
	return c.Key(), v, true, nil
}

// Last positions a cursor at the trie's largest key.
func (t *Trie) Last(root uint64) (*Cursor, error) {
	c := &Cursor{t: t}
	if root == 0 {
		return c, nil
	}
	if err := c.pushRightmost(root); err != nil {
		return nil, err
	}
	c.valid = true
	return c, nil
}

// GetMax is a one-shot wrapper over Last.
func (t *Trie) GetMax(root uint64) (k, v []byte, ok bool, err error) {
	c, err := t.Last(root)
	if err != nil {
		return nil, nil, false, err
	}
	if !c.Valid() {
		return nil, nil, false, nil
	}
	v, err = c.Value()
	if err != nil {
		return nil, nil, false, err
	}
	return c.Key(), v, true, nil
}

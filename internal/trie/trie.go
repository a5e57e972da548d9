// Package trie implements L4: a radix trie over the node store, with
// structural sharing across versions via the clone-or-mutate-in-place rule
// in arbtrie's inner_node.hpp and the session's always_clone_version.
//
// A trie is addressed by a root node ID (0 means empty). Every mutating
// operation takes the acv/wv pair that gates cloning decisions, consumes the
// caller's reference to root, and returns a new root the caller now owns in
// its place — the caller never separately releases the root it passed in.
// Retaining a root beyond the call that produced it (e.g. to publish it as a
// durable top root visible to other sessions) is the session layer's job.
package trie

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/triedentdb/triedent/internal/idtable"
	"github.com/triedentdb/triedent/internal/nodestore"
	"github.com/triedentdb/triedent/pkg/config"
	"github.com/triedentdb/triedent/pkg/tderrors"
)

// Trie is a stateless view over a nodestore.Store; all state lives in the store
// and in the root IDs callers pass in.
type Trie struct {
	store *nodestore.Store
	cfg   config.Config
}

func New(store *nodestore.Store, cfg config.Config) *Trie {
	return &Trie{store: store, cfg: cfg}
}

// Get performs a pure read: no node is cloned or modified.
func (t *Trie) Get(root uint64, key []byte) ([]byte, bool, error) {
	if root == 0 {
		return nil, false, nil
	}
	return t.get(root, key)
}

func (t *Trie) get(id uint64, key []byte) ([]byte, bool, error) {
	typ := t.store.Type(id)
	switch typ {
	case idtable.TypeValue:
		v, err := t.store.ReadValue(id)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil

	case idtable.TypeBinary:
		entries, err := t.store.ReadBinary(id)
		if err != nil {
			return nil, false, err
		}
		valueID, ok := nodestore.BinaryLookup(entries, key)
		if !ok {
			return nil, false, nil
		}
		return t.get(valueID, nil)

	case idtable.TypeSetlist, idtable.TypeFull:
		hdr, branches, err := t.loadInner(id, typ)
		if err != nil {
			return nil, false, err
		}
		rest, ok := splitPrefix(key, hdr.Prefix)
		if !ok {
			return nil, false, nil
		}
		if len(rest) == 0 {
			if !hdr.EOFPresent {
				return nil, false, nil
			}
			return t.get(hdr.EOFValue, nil)
		}
		childID, ok := nodestore.FindBranch(branches, rest[0])
		if !ok {
			return nil, false, nil
		}
		return t.get(childID, rest[1:])

	default:
		return nil, false, fmt.Errorf("trie: node %d has unexpected type %s: %w", id, typ, tderrors.ErrCorrupt)
	}
}

// splitPrefix reports whether key starts with prefix, returning the
// remainder of key after it if so.
func splitPrefix(key, prefix []byte) ([]byte, bool) {
	if len(key) < len(prefix) || !bytes.Equal(key[:len(prefix)], prefix) {
		return nil, false
	}
	return key[len(prefix):], true
}

// loadInner reads a setlist or full inner node into its generic
// (header, sorted branches) shape, promoting a full node's direct-index
// slots back into branch pairs so get/upsert/erase need only one code path.
func (t *Trie) loadInner(id uint64, typ idtable.NodeType) (nodestore.InnerHeader, []nodestore.Branch, error) {
	if typ == idtable.TypeFull {
		n, err := t.store.ReadFull(id)
		if err != nil {
			return nodestore.InnerHeader{}, nil, err
		}
		sl := nodestore.SetlistFromFull(n)
		return sl.InnerHeader, sl.Branches, nil
	}
	n, err := t.store.ReadSetlist(id)
	if err != nil {
		return nodestore.InnerHeader{}, nil, err
	}
	return n.InnerHeader, n.Branches, nil
}

// allocateInner writes a brand-new inner node, choosing the full-node layout
// once branches exceeds config.FullNodeThreshold (the branching promotion
// rule).
func (t *Trie) allocateInner(version uint64, hdr nodestore.InnerHeader, branches []nodestore.Branch) (uint64, error) {
	if len(branches) > t.cfg.FullNodeThreshold {
		return t.store.AllocateFull(version, nodestore.FullFromSetlist(nodestore.SetlistNode{InnerHeader: hdr, Branches: branches}))
	}
	return t.store.AllocateSetlist(version, nodestore.SetlistNode{InnerHeader: hdr, Branches: branches})
}

// replaceInner publishes hdr/branches as id's new content in place,
// switching id's stored type between setlist and full as the branching
// promotion/demotion rule requires.
func (t *Trie) replaceInner(id uint64, version uint64, hdr nodestore.InnerHeader, branches []nodestore.Branch) error {
	if len(branches) > t.cfg.FullNodeThreshold {
		full := nodestore.FullFromSetlist(nodestore.SetlistNode{InnerHeader: hdr, Branches: branches})
		return t.store.Replace(id, idtable.TypeFull, version, nodestore.EncodeFull(full))
	}
	return t.store.Replace(id, idtable.TypeSetlist, version, nodestore.EncodeSetlist(nodestore.SetlistNode{InnerHeader: hdr, Branches: branches}))
}

// writeInner either clones id into a new node (when its stored version is
// at or before acv, so an existing snapshot may still reference it) or
// overwrites it in place, per the cloning policy in inner_node.hpp's
// clone_config and the engine's always_clone_version.
func (t *Trie) writeInner(id uint64, storedVersion, acv, wv uint64, hdr nodestore.InnerHeader, branches []nodestore.Branch) (uint64, error) {
	if storedVersion <= acv {
		return t.allocateInner(wv, hdr, branches)
	}
	if err := t.replaceInner(id, wv, hdr, branches); err != nil {
		return 0, err
	}
	return id, nil
}

// writeBinary is writeInner's counterpart for binary leaves.
func (t *Trie) writeBinary(id uint64, storedVersion, acv, wv uint64, entries []nodestore.BinaryEntry) (uint64, error) {
	if storedVersion <= acv {
		return t.store.AllocateBinary(wv, entries)
	}
	if err := t.store.Replace(id, idtable.TypeBinary, wv, nodestore.EncodeBinary(entries)); err != nil {
		return 0, err
	}
	return id, nil
}

// writeValue is writeInner's counterpart for value leaves.
func (t *Trie) writeValue(id uint64, storedVersion, acv, wv uint64, v []byte) (uint64, error) {
	if storedVersion <= acv {
		return t.store.AllocateValue(wv, v)
	}
	if err := t.store.Replace(id, idtable.TypeValue, wv, v); err != nil {
		return 0, err
	}
	return id, nil
}

// Release drops the caller's reference to root, cascading into its children
// once root itself is no longer referenced. Callers holding a root across
// snapshots (the session layer) must not call this directly: defer it behind
// the GC queue so a reader that already pinned root is not left reading
// freed nodes.
func (t *Trie) Release(root uint64) error {
	if root == 0 {
		return nil
	}
	return t.releaseSubtree(root)
}

// releaseSubtree drops one reference from id and, for every node that
// reaches zero as a result, its children in turn. Driven by an explicit
// worklist rather than recursion, since a tall trie's release cannot be
// allowed to overflow the call stack (§9's cyclic-references note).
func (t *Trie) releaseSubtree(id uint64) error {
	work := []uint64{id}
	for len(work) > 0 {
		n := len(work) - 1
		cur := work[n]
		work = work[:n]

		children, err := t.store.Release(cur)
		if err != nil {
			return err
		}
		work = append(work, children...)
	}
	return nil
}

// Upsert inserts or replaces key's value, consuming the caller's reference
// to root and returning the new root in its place.
func (t *Trie) Upsert(root uint64, key, value []byte, acv, wv uint64) (newRoot uint64, err error) {
	if uint64(len(key)) > uint64(t.cfg.MaxKeyLength) {
		return 0, fmt.Errorf("trie: key of %d bytes exceeds max %d: %w", len(key), t.cfg.MaxKeyLength, tderrors.ErrInvalidInput)
	}
	if root == 0 {
		return t.newLeaf(key, value, wv)
	}
	return t.upsert(root, key, value, acv, wv)
}

// newLeaf allocates a value node for v and wraps it in a fresh binary leaf
// holding the single entry (key, valueID).
func (t *Trie) newLeaf(key, value []byte, wv uint64) (uint64, error) {
	valueID, err := t.store.AllocateValue(wv, value)
	if err != nil {
		return 0, err
	}
	return t.store.AllocateBinary(wv, []nodestore.BinaryEntry{{Key: append([]byte(nil), key...), ValueID: valueID}})
}

func (t *Trie) upsert(id uint64, key, value []byte, acv, wv uint64) (uint64, error) {
	hdr, err := t.store.ReadHeader(id)
	if err != nil {
		return 0, err
	}

	switch hdr.Type {
	case idtable.TypeBinary:
		return t.upsertBinary(id, hdr.Version, key, value, acv, wv)
	case idtable.TypeSetlist, idtable.TypeFull:
		return t.upsertInner(id, hdr.Type, hdr.Version, key, value, acv, wv)
	default:
		return 0, fmt.Errorf("trie: node %d has unexpected type %s: %w", id, hdr.Type, tderrors.ErrCorrupt)
	}
}

func (t *Trie) upsertBinary(id uint64, storedVersion uint64, key, value []byte, acv, wv uint64) (uint64, error) {
	entries, err := t.store.ReadBinary(id)
	if err != nil {
		return 0, err
	}

	existingValueID, existed := nodestore.BinaryLookup(entries, key)

	var newValueID uint64
	if existed {
		vhdr, err := t.store.ReadHeader(existingValueID)
		if err != nil {
			return 0, err
		}
		newValueID, err = t.writeValue(existingValueID, vhdr.Version, acv, wv, value)
		if err != nil {
			return 0, err
		}
		if newValueID != existingValueID {
			// Cloned rather than mutated in place: the old value is no
			// longer referenced by anything once this entry is rewritten.
			if err := t.releaseSubtree(existingValueID); err != nil {
				return 0, err
			}
		}
	} else {
		newValueID, err = t.store.AllocateValue(wv, value)
		if err != nil {
			return 0, err
		}
	}

	newEntries, _ := nodestore.BinaryUpsert(entries, key, newValueID)

	if uint64(nodestore.EncodedBinarySize(newEntries)) <= t.cfg.BinaryRefactorThreshold {
		newID, err := t.writeBinary(id, storedVersion, acv, wv, newEntries)
		if err != nil {
			return 0, err
		}
		if newID != id {
			// The clone's entries still reference every unchanged value ID
			// this node referenced, so forget id's own body only.
			if err := t.store.ForgetWithoutChildren(id); err != nil {
				return 0, err
			}
		}
		return newID, nil
	}

	hdr, branches, err := refactorBinary(newEntries, wv, t.store)
	if err != nil {
		return 0, err
	}
	newID, err := t.allocateInner(wv, hdr, branches)
	if err != nil {
		return 0, err
	}
	// Every value ID from newEntries was handed to a freshly allocated
	// child leaf above, so id's own body can be forgotten without
	// releasing those now-shared value references.
	if err := t.store.ForgetWithoutChildren(id); err != nil {
		return 0, err
	}
	return newID, nil
}

// refactorBinary splits an over-large binary leaf's entries into a setlist
// inner node whose branches each point at a fresh, smaller binary leaf,
// grouping by next-byte so lookups narrow by one byte per level.
func refactorBinary(entries []nodestore.BinaryEntry, wv uint64, store *nodestore.Store) (nodestore.InnerHeader, []nodestore.Branch, error) {
	var eofPresent bool
	var eofValue uint64
	groups := make(map[byte][]nodestore.BinaryEntry)
	var order []byte

	for _, e := range entries {
		if len(e.Key) == 0 {
			eofPresent = true
			eofValue = e.ValueID
			continue
		}
		b := e.Key[0]
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], nodestore.BinaryEntry{Key: e.Key[1:], ValueID: e.ValueID})
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	branches := make([]nodestore.Branch, 0, len(order))
	for _, b := range order {
		childID, err := store.AllocateBinary(wv, groups[b])
		if err != nil {
			return nodestore.InnerHeader{}, nil, err
		}
		branches = append(branches, nodestore.Branch{Byte: b, ChildID: childID})
	}

	return nodestore.InnerHeader{EOFPresent: eofPresent, EOFValue: eofValue, Descendants: uint64(len(entries))}, branches, nil
}

func (t *Trie) upsertInner(id uint64, typ idtable.NodeType, storedVersion uint64, key, value []byte, acv, wv uint64) (uint64, error) {
	hdr, branches, err := t.loadInner(id, typ)
	if err != nil {
		return 0, err
	}

	common := commonPrefixLen(key, hdr.Prefix)

	if common < len(hdr.Prefix) {
		return t.splitPrefixAndInsert(id, hdr, branches, common, key, value, wv)
	}

	rest := key[common:]
	if len(rest) == 0 {
		var newEOF uint64
		if hdr.EOFPresent {
			vhdr, err := t.store.ReadHeader(hdr.EOFValue)
			if err != nil {
				return 0, err
			}
			newEOF, err = t.writeValue(hdr.EOFValue, vhdr.Version, acv, wv, value)
			if err != nil {
				return 0, err
			}
			if newEOF != hdr.EOFValue {
				if err := t.releaseSubtree(hdr.EOFValue); err != nil {
					return 0, err
				}
			}
		} else {
			newEOF, err = t.store.AllocateValue(wv, value)
			if err != nil {
				return 0, err
			}
		}
		newHdr := hdr
		newHdr.EOFPresent = true
		newHdr.EOFValue = newEOF
		if !hdr.EOFPresent {
			newHdr.Descendants++
		}
		return t.publishInner(id, storedVersion, acv, wv, newHdr, branches)
	}

	b := rest[0]
	childID, ok := nodestore.FindBranch(branches, b)

	var newChildID uint64
	newHdr := hdr
	if ok {
		newChildID, err = t.upsert(childID, rest[1:], value, acv, wv)
		if err != nil {
			return 0, err
		}
	} else {
		newChildID, err = t.newLeaf(rest[1:], value, wv)
		if err != nil {
			return 0, err
		}
		newHdr.Descendants++
	}

	newBranches := nodestore.WithBranch(branches, b, newChildID)
	return t.publishInner(id, storedVersion, acv, wv, newHdr, newBranches)
}

// publishInner writes back an inner node's updated header/branches via the
// clone-or-mutate rule, releasing id if a clone made it obsolete.
func (t *Trie) publishInner(id uint64, storedVersion, acv, wv uint64, hdr nodestore.InnerHeader, branches []nodestore.Branch) (uint64, error) {
	newID, err := t.writeInner(id, storedVersion, acv, wv, hdr, branches)
	if err != nil {
		return 0, err
	}
	if newID != id {
		// The clone now holds its own references to every branch child and
		// to the eof value; release this edge's original reference to id's
		// old body without touching the children, since they are shared
		// with (referenced by) the clone.
		if err := t.store.ForgetWithoutChildren(id); err != nil {
			return 0, err
		}
	}
	return newID, nil
}

// splitPrefixAndInsert handles descent hitting a prefix mismatch: the
// node's stored prefix is split at the common length into a new parent
// inner node with two children, one holding the rest of the original
// node's content and one holding the new key's leaf.
func (t *Trie) splitPrefixAndInsert(id uint64, hdr nodestore.InnerHeader, branches []nodestore.Branch, common int, key, value []byte, wv uint64) (uint64, error) {
	oldRest := hdr.Prefix[common:]
	keyRest := key[common:]

	// The existing node keeps its content but loses the bytes now hoisted
	// into the new parent's prefix; since it is reachable from multiple
	// places after this edit, always clone it rather than mutate in place.
	remainderHdr := nodestore.InnerHeader{Prefix: oldRest[1:], EOFPresent: hdr.EOFPresent, EOFValue: hdr.EOFValue, Descendants: hdr.Descendants}
	remainderID, err := t.allocateInner(wv, remainderHdr, branches)
	if err != nil {
		return 0, err
	}

	newParent := nodestore.InnerHeader{Prefix: append([]byte(nil), hdr.Prefix[:common]...), Descendants: hdr.Descendants + 1}
	newParentBranches := []nodestore.Branch{{Byte: oldRest[0], ChildID: remainderID}}

	if len(keyRest) == 0 {
		valueID, err := t.store.AllocateValue(wv, value)
		if err != nil {
			return 0, err
		}
		newParent.EOFPresent = true
		newParent.EOFValue = valueID
	} else {
		leafID, err := t.newLeaf(keyRest[1:], value, wv)
		if err != nil {
			return 0, err
		}
		newParentBranches = nodestore.WithBranch(newParentBranches, keyRest[0], leafID)
	}

	newID, err := t.allocateInner(wv, newParent, newParentBranches)
	if err != nil {
		return 0, err
	}

	if err := t.store.ForgetWithoutChildren(id); err != nil {
		return 0, err
	}
	return newID, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Erase removes key, returning the new root (0 if the trie became empty)
// and whether key was present.
func (t *Trie) Erase(root uint64, key []byte, acv, wv uint64) (newRoot uint64, existed bool, err error) {
	if root == 0 {
		return 0, false, nil
	}
	return t.erase(root, key, acv, wv)
}

func (t *Trie) erase(id uint64, key []byte, acv, wv uint64) (uint64, bool, error) {
	hdr, err := t.store.ReadHeader(id)
	if err != nil {
		return 0, false, err
	}

	switch hdr.Type {
	case idtable.TypeBinary:
		return t.eraseBinary(id, hdr.Version, key, acv, wv)
	case idtable.TypeSetlist, idtable.TypeFull:
		return t.eraseInner(id, hdr.Type, hdr.Version, key, acv, wv)
	default:
		return 0, false, fmt.Errorf("trie: node %d has unexpected type %s: %w", id, hdr.Type, tderrors.ErrCorrupt)
	}
}

func (t *Trie) eraseBinary(id uint64, storedVersion uint64, key []byte, acv, wv uint64) (uint64, bool, error) {
	entries, err := t.store.ReadBinary(id)
	if err != nil {
		return 0, false, err
	}

	newEntries, removedValueID, existed := nodestore.BinaryRemove(entries, key)
	if !existed {
		return id, false, nil
	}

	if err := t.releaseSubtree(removedValueID); err != nil {
		return 0, false, err
	}

	if len(newEntries) == 0 {
		// The only child was released above; drop id's own body.
		if err := t.store.ForgetWithoutChildren(id); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	newID, err := t.writeBinary(id, storedVersion, acv, wv, newEntries)
	if err != nil {
		return 0, false, err
	}
	if newID != id {
		if err := t.store.ForgetWithoutChildren(id); err != nil {
			return 0, false, err
		}
	}
	return newID, true, nil
}

func (t *Trie) eraseInner(id uint64, typ idtable.NodeType, storedVersion uint64, key []byte, acv, wv uint64) (uint64, bool, error) {
	hdr, branches, err := t.loadInner(id, typ)
	if err != nil {
		return 0, false, err
	}

	rest, ok := splitPrefix(key, hdr.Prefix)
	if !ok {
		return id, false, nil
	}

	newHdr := hdr
	newBranches := branches

	if len(rest) == 0 {
		if !hdr.EOFPresent {
			return id, false, nil
		}
		if err := t.releaseSubtree(hdr.EOFValue); err != nil {
			return 0, false, err
		}
		newHdr.EOFPresent = false
		newHdr.EOFValue = 0
		newHdr.Descendants--
	} else {
		b := rest[0]
		childID, found := nodestore.FindBranch(branches, b)
		if !found {
			return id, false, nil
		}
		newChildID, existed, err := t.erase(childID, rest[1:], acv, wv)
		if err != nil {
			return 0, false, err
		}
		if !existed {
			return id, false, nil
		}
		if newChildID == 0 {
			newBranches = nodestore.WithoutBranch(branches, b)
		} else {
			newBranches = nodestore.WithBranch(branches, b, newChildID)
		}
		newHdr.Descendants--
	}

	// Collapse: a node with no eof value and exactly one remaining branch
	// merges that branch's dispatch byte and the child's own prefix into
	// this node's prefix, per the symmetric-collapsing rule.
	if !newHdr.EOFPresent && len(newBranches) == 1 {
		merged, err := t.mergeOnlyChild(newHdr, newBranches[0], wv)
		if err != nil {
			return 0, false, err
		}
		if merged != 0 {
			if err := t.store.ForgetWithoutChildren(id); err != nil {
				return 0, false, err
			}
			return merged, true, nil
		}
	}

	if !newHdr.EOFPresent && len(newBranches) == 0 {
		if err := t.releaseSubtree(id); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	newID, err := t.publishInner(id, storedVersion, acv, wv, newHdr, newBranches)
	return newID, true, err
}

// mergeOnlyChild absorbs a lone branch child into its parent's prefix,
// returning 0 (instead of erroring) when the child is a binary leaf, since
// a binary leaf has no prefix of its own to merge and the branch is kept
// as-is.
func (t *Trie) mergeOnlyChild(parent nodestore.InnerHeader, only nodestore.Branch, wv uint64) (uint64, error) {
	childType := t.store.Type(only.ChildID)
	if childType != idtable.TypeSetlist && childType != idtable.TypeFull {
		return 0, nil
	}

	childHdr, childBranches, err := t.loadInner(only.ChildID, childType)
	if err != nil {
		return 0, err
	}

	mergedPrefix := make([]byte, 0, len(parent.Prefix)+1+len(childHdr.Prefix))
	mergedPrefix = append(mergedPrefix, parent.Prefix...)
	mergedPrefix = append(mergedPrefix, only.Byte)
	mergedPrefix = append(mergedPrefix, childHdr.Prefix...)

	mergedHdr := nodestore.InnerHeader{
		Prefix:      mergedPrefix,
		EOFPresent:  childHdr.EOFPresent,
		EOFValue:    childHdr.EOFValue,
		Descendants: childHdr.Descendants,
	}

	// The child is logically absorbed, not released: its branches and eof
	// value now belong to the merged node, which takes over its identity.
	newID, err := t.allocateInner(wv, mergedHdr, childBranches)
	if err != nil {
		return 0, err
	}
	if err := t.store.ForgetWithoutChildren(only.ChildID); err != nil {
		return 0, err
	}
	return newID, nil
}

// Validate walks every node reachable from root and reports the first
// structural defect found: a node whose declared type the store cannot
// decode, or a key sequence that fails to strictly increase when visited
// left to right. It does not verify per-node checksums.
func (t *Trie) Validate(root uint64) error {
	if root == 0 {
		return nil
	}
	var prev []byte
	havePrev := false
	return t.validate(root, nil, &prev, &havePrev)
}

func (t *Trie) validate(id uint64, prefix []byte, prev *[]byte, havePrev *bool) error {
	typ := t.store.Type(id)
	switch typ {
	case idtable.TypeValue:
		return t.checkOrder(append([]byte{}, prefix...), prev, havePrev)

	case idtable.TypeBinary:
		entries, err := t.store.ReadBinary(id)
		if err != nil {
			return fmt.Errorf("trie: validate node %d: %w", id, err)
		}
		for _, e := range entries {
			full := append(append([]byte{}, prefix...), e.Key...)
			if err := t.checkOrder(full, prev, havePrev); err != nil {
				return err
			}
		}
		return nil

	case idtable.TypeSetlist, idtable.TypeFull:
		hdr, branches, err := t.loadInner(id, typ)
		if err != nil {
			return fmt.Errorf("trie: validate node %d: %w", id, err)
		}
		full := append(append([]byte{}, prefix...), hdr.Prefix...)
		if hdr.EOFPresent {
			if err := t.checkOrder(full, prev, havePrev); err != nil {
				return err
			}
		}
		for _, b := range branches {
			childPrefix := append(append([]byte{}, full...), b.Byte)
			if err := t.validate(b.ChildID, childPrefix, prev, havePrev); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("trie: validate node %d: %w", id, tderrors.ErrCorrupt)
	}
}

func (t *Trie) checkOrder(key []byte, prev *[]byte, havePrev *bool) error {
	if *havePrev && bytes.Compare(key, *prev) <= 0 {
		return fmt.Errorf("trie: validate: key out of order at %x: %w", key, tderrors.ErrCorrupt)
	}
	*prev = key
	*havePrev = true
	return nil
}

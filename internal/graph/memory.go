package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// MemoryBackend keeps records in process. Children are indexed per parent
// with roaring bitmaps over internal IDs; internal IDs are handed out in
// creation order, so iterating a bitmap yields children in creation order.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
	guids   map[string]string // GUID → ID

	children    map[string]*roaring.Bitmap // parent ID → bitmap of internal child IDs
	nodeIntID   map[string]uint32          // ID → internal bitmap uint32 ID
	intToNodeID []string                   // reverse: uint32 → ID
}

var (
	_ Backend    = (*MemoryBackend)(nil)
	_ Transactor = (*MemoryBackend)(nil)
)

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:   make(map[string]*Record),
		guids:     make(map[string]string),
		children:  make(map[string]*roaring.Bitmap),
		nodeIntID: make(map[string]uint32),
	}
}

func (b *MemoryBackend) Load(_ context.Context, id string) (*Record, error) {
	b.mu.RLock()
	rec, ok := b.records[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("load %q: %w", id, ErrNotFound)
	}
	return rec.clone()
}

func (b *MemoryBackend) Save(_ context.Context, rec *Record) error {
	stored, err := rec.clone()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.records[rec.ID]; ok && prev.GUID != rec.GUID {
		delete(b.guids, prev.GUID)
	}
	b.records[rec.ID] = stored
	b.guids[rec.GUID] = rec.ID
	b.indexRecord(stored)
	return nil
}

// indexRecord assigns an internal ID on first save and records the
// parent → child edge. Must be called with b.mu held.
func (b *MemoryBackend) indexRecord(rec *Record) {
	if _, ok := b.nodeIntID[rec.ID]; ok {
		return
	}
	intID := uint32(len(b.intToNodeID))
	b.nodeIntID[rec.ID] = intID
	b.intToNodeID = append(b.intToNodeID, rec.ID)

	if rec.ID == RootID {
		return
	}
	bm, ok := b.children[rec.Parent]
	if !ok {
		bm = roaring.New()
		b.children[rec.Parent] = bm
	}
	bm.Add(intID)
}

func (b *MemoryBackend) Remove(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	delete(b.records, id)
	delete(b.guids, rec.GUID)
	delete(b.children, id)

	if intID, ok := b.nodeIntID[id]; ok {
		if bm, ok := b.children[rec.Parent]; ok {
			bm.Remove(intID)
		}
		delete(b.nodeIntID, id)
		b.intToNodeID[intID] = ""
	}
	return nil
}

func (b *MemoryBackend) ChildIDs(_ context.Context, parentID string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.records[parentID]; !ok {
		return nil, fmt.Errorf("children of %q: %w", parentID, ErrNotFound)
	}
	bm, ok := b.children[parentID]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ids = append(ids, b.intToNodeID[it.Next()])
	}
	return ids, nil
}

func (b *MemoryBackend) LookupGUID(_ context.Context, guid string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.guids[guid]
	if !ok {
		return "", fmt.Errorf("guid %q: %w", guid, ErrNotFound)
	}
	return id, nil
}

func (b *MemoryBackend) IDs(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.records))
	for _, id := range b.intToNodeID {
		if _, ok := b.records[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *MemoryBackend) Close() error { return nil }

type memTxKey struct{}

// WithTx snapshots the backend and restores the snapshot when fn fails.
// Nested calls join the outermost transaction. The snapshot does not
// isolate concurrent writers.
func (b *MemoryBackend) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	snap := b.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		b.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	records     map[string]*Record
	guids       map[string]string
	children    map[string]*roaring.Bitmap
	nodeIntID   map[string]uint32
	intToNodeID []string
}

// snapshot copies the indexes. Stored records are never mutated in place
// (Save replaces them with fresh clones), so sharing the pointers is safe.
func (b *MemoryBackend) snapshot() *memSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := &memSnapshot{
		records:     make(map[string]*Record, len(b.records)),
		guids:       make(map[string]string, len(b.guids)),
		children:    make(map[string]*roaring.Bitmap, len(b.children)),
		nodeIntID:   make(map[string]uint32, len(b.nodeIntID)),
		intToNodeID: append([]string(nil), b.intToNodeID...),
	}
	for k, v := range b.records {
		s.records[k] = v
	}
	for k, v := range b.guids {
		s.guids[k] = v
	}
	for k, v := range b.children {
		s.children[k] = v.Clone()
	}
	for k, v := range b.nodeIntID {
		s.nodeIntID[k] = v
	}
	return s
}

func (b *MemoryBackend) restore(s *memSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = s.records
	b.guids = s.guids
	b.children = s.children
	b.nodeIntID = s.nodeIntID
	b.intToNodeID = s.intToNodeID
}

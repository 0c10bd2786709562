package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/viant/vec/search"

	vlog "vidsearch/internal/log"
	"vidsearch/internal/metrics"
)

// Options configures a Store.
type Options struct {
	// Dim is the vector length every record must have.
	Dim int
	// Model identifies the embedding model; records are stamped with it.
	Model string
	// Backend persists records. Nil keeps the store in memory only.
	Backend Backend
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Store is an exact cosine-similarity index over unit vectors.
//
// A single RWMutex guards the index: writers are serialized and queries run
// concurrently. A query overlapping an Upsert of the same id sees either the
// old or the new record, never a mix, but there is no snapshot across ids.
type Store struct {
	mu      sync.RWMutex
	dim     int
	model   string
	backend Backend
	logger  *slog.Logger
	metrics metrics.Recorder

	records  []Record // by slot; a free slot has an empty ID
	slots    map[string]uint32
	free     []uint32
	live     *roaring.Bitmap
	postings postings
	stale    map[string]Record
	closed   bool
}

// New builds a store and, when a backend is configured, loads its records.
// Records written under another model or dimension are not indexed; they are
// reported by Stale until re-embedded or dropped.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dim <= 0 {
		return nil, invalidf("dimension must be positive, got %d", opts.Dim)
	}
	if opts.Model == "" {
		return nil, invalidf("model id is required")
	}
	s := &Store{
		dim:      opts.Dim,
		model:    opts.Model,
		backend:  opts.Backend,
		logger:   vlog.OrDiscard(opts.Logger),
		metrics:  metrics.OrNoop(opts.Metrics),
		slots:    make(map[string]uint32),
		live:     roaring.New(),
		postings: make(postings),
		stale:    make(map[string]Record),
	}
	if s.backend == nil {
		return s, nil
	}
	err := s.backend.Load(ctx, func(rec Record) error {
		if rec.Model != s.model || len(rec.Vector) != s.dim {
			s.stale[rec.ID] = rec
			return nil
		}
		unit, err := unitVector(rec.Vector)
		if err != nil {
			s.logger.Warn("skipping unreadable record", "id", rec.ID, "error", err)
			return nil
		}
		rec.Vector = unit
		s.index(rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	if len(s.stale) > 0 {
		s.logger.Warn("store holds records from another embedding model",
			"stale", len(s.stale), "model", s.model, "dim", s.dim)
	}
	s.metrics.StoreSize(len(s.slots))
	return s, nil
}

// Model returns the embedding model id the store was opened with.
func (s *Store) Model() string { return s.model }

// Dim returns the vector dimension.
func (s *Store) Dim() int { return s.dim }

// Upsert inserts or replaces the record for id. The vector is copied and
// normalized to unit length. On error the store is unchanged.
func (s *Store) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOp(metrics.OpUpsert, time.Since(start), err) }()

	if id == "" {
		return invalidf("id is empty")
	}
	if len(vector) != s.dim {
		return &DimensionError{Expected: s.dim, Actual: len(vector)}
	}
	unit, err := unitVector(vector)
	if err != nil {
		return err
	}
	rec := Record{
		ID:        id,
		Vector:    unit,
		Metadata:  copyMeta(metadata),
		Model:     s.model,
		UpdatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.backend != nil {
		if err := s.backend.Put(ctx, rec); err != nil {
			return fmt.Errorf("persist %s: %w", id, err)
		}
	}
	s.index(rec)
	delete(s.stale, id)
	s.metrics.StoreSize(len(s.slots))
	return nil
}

// Delete removes id. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOp(metrics.OpDelete, time.Since(start), err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, indexed := s.slots[id]
	_, stale := s.stale[id]
	if !indexed && !stale {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	s.unindex(id)
	delete(s.stale, id)
	s.metrics.StoreSize(len(s.slots))
	return nil
}

// Query returns up to k items most similar to vector, best first, ties
// broken by ascending id. The filter narrows the candidate set before any
// ranking happens, so k matching items are returned whenever they exist.
func (s *Store) Query(ctx context.Context, vector []float32, k int, filter Filter) (hits []Hit, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOp(metrics.OpQuery, time.Since(start), err) }()

	if k <= 0 {
		return nil, invalidf("k must be positive, got %d", k)
	}
	if len(vector) != s.dim {
		return nil, &DimensionError{Expected: s.dim, Actual: len(vector)}
	}
	if err := filter.validate(); err != nil {
		return nil, err
	}
	q, err := unitVector(vector)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	cands := s.postings.candidates(s.live, filter.Equals)
	top := newTopK(min(k, int(cands.GetCardinality())))
	if top.k == 0 {
		return []Hit{}, nil
	}
	it := cands.Iterator()
	for it.HasNext() {
		slot := it.Next()
		rec := &s.records[slot]
		if len(filter.Min) > 0 && !filter.matchMin(rec.Metadata) {
			continue
		}
		top.offer(scored{slot: slot, id: rec.ID, score: dot(q, rec.Vector)})
	}
	best := top.sorted()
	hits = make([]Hit, len(best))
	for i, c := range best {
		hits[i] = Hit{ID: c.id, Score: c.score, Metadata: copyMeta(s.records[c.slot].Metadata)}
	}
	return hits, nil
}

// Count returns the number of indexed records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRecord(s.records[slot]), nil
}

// IDs returns the indexed ids in ascending order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stale lists, in ascending order, the persisted ids whose vectors came from
// another model or dimension.
func (s *Store) Stale() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.stale))
	for id := range s.stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DropStale deletes every stale record from the backend and returns how many were removed.
func (s *Store) DropStale(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	ids := make([]string, 0, len(s.stale))
	for id := range s.stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	n := 0
	for _, id := range ids {
		if s.backend != nil {
			if err := s.backend.Delete(ctx, id); err != nil {
				return n, fmt.Errorf("drop stale %s: %w", id, err)
			}
		}
		delete(s.stale, id)
		n++
	}
	return n, nil
}

// Close releases the backend. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

// index stores rec, replacing any previous record with the same id.
// Caller holds the write lock.
func (s *Store) index(rec Record) {
	if slot, ok := s.slots[rec.ID]; ok {
		s.postings.remove(slot, s.records[slot].Metadata)
		s.records[slot] = rec
		s.postings.add(slot, rec.Metadata)
		return
	}
	var slot uint32
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
		s.records[slot] = rec
	} else {
		slot = uint32(len(s.records))
		s.records = append(s.records, rec)
	}
	s.slots[rec.ID] = slot
	s.live.Add(slot)
	s.postings.add(slot, rec.Metadata)
}

func (s *Store) unindex(id string) {
	slot, ok := s.slots[id]
	if !ok {
		return
	}
	s.postings.remove(slot, s.records[slot].Metadata)
	s.live.Remove(slot)
	s.records[slot] = Record{}
	s.free = append(s.free, slot)
	delete(s.slots, id)
}

// unitVector returns a normalized copy of v.
func unitVector(v []float32) ([]float32, error) {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, invalidf("vector component %d is not finite", i)
		}
	}
	mag := search.Float32s(v).Magnitude()
	if mag == 0 || math.IsInf(float64(mag), 0) || math.IsNaN(float64(mag)) {
		return nil, invalidf("vector has no usable magnitude")
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / mag
	}
	return out, nil
}

// dot of two unit vectors, accumulated in float64 and clamped to [-1, 1].
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return math.Max(-1, math.Min(1, sum))
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecord(r Record) Record {
	r.Vector = append([]float32(nil), r.Vector...)
	r.Metadata = copyMeta(r.Metadata)
	return r
}

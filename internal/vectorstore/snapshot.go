package vectorstore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const snapshotFormat = "vidsearch-snapshot/1"

type snapshotHeader struct {
	Format string `json:"format"`
	Model  string `json:"model"`
	Dim    int    `json:"dim"`
	Count  int    `json:"count"`
}

// WriteSnapshot writes every indexed record to w as zstd-compressed JSON
// lines: a header line followed by one record per line in id order.
func (s *Store) WriteSnapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	bw := bufio.NewWriter(zw)
	enc := json.NewEncoder(bw)
	if err := enc.Encode(snapshotHeader{Format: snapshotFormat, Model: s.model, Dim: s.dim, Count: len(s.slots)}); err != nil {
		zw.Close()
		return err
	}
	ids := make([]string, 0, len(s.slots))
	for id := range s.slots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := enc.Encode(s.records[s.slots[id]]); err != nil {
			zw.Close()
			return fmt.Errorf("encode %s: %w", id, err)
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// ReadSnapshot upserts every record of a snapshot written by WriteSnapshot.
// A snapshot from another model or dimension is refused as a whole.
// It returns the number of records restored.
func (s *Store) ReadSnapshot(ctx context.Context, r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	var hdr snapshotHeader
	if err := dec.Decode(&hdr); err != nil {
		return 0, fmt.Errorf("snapshot header: %w", err)
	}
	if hdr.Format != snapshotFormat {
		return 0, invalidf("unknown snapshot format %q", hdr.Format)
	}
	if hdr.Model != s.model || hdr.Dim != s.dim {
		return 0, fmt.Errorf("%w: snapshot %s/%d, store %s/%d",
			ErrModelVersionMismatch, hdr.Model, hdr.Dim, s.model, s.dim)
	}
	n := 0
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("snapshot record %d: %w", n+1, err)
		}
		if err := s.Upsert(ctx, rec.ID, rec.Vector, rec.Metadata); err != nil {
			return n, fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		n++
	}
}

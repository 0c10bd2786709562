// Package vectorstore holds embedded items and answers exact cosine
// nearest-neighbour queries over them, optionally restricted by metadata.
package vectorstore

import (
	"context"
	"time"
)

// Record is one stored item. Vector is unit length.
type Record struct {
	ID        string            `json:"id"`
	Vector    []float32         `json:"vector"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Model     string            `json:"model"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Hit is one query match. Score is the cosine similarity in [-1, 1].
type Hit struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Backend persists records. Store serializes all calls under its write lock,
// so implementations need not be safe for concurrent writers.
type Backend interface {
	// Load calls fn for every persisted record.
	Load(ctx context.Context, fn func(Record) error) error
	Put(ctx context.Context, rec Record) error
	// Delete is a no-op for an absent id.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Package persistence stores bot snapshots. A snapshot carries one
// opaque blob per sub-engine; the store never interprets the blobs.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNoSnapshot is returned when no snapshot exists for the bot.
var ErrNoSnapshot = errors.New("persistence: no snapshot")

// Snapshot is the persisted state of one bot.
type Snapshot struct {
	Bot       string            `json:"bot"`
	Engines   map[string][]byte `json:"engines"`
	Timestamp time.Time         `json:"timestamp"`
}

// Store persists and recovers snapshots keyed by bot name.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, bot string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, bot string) (bool, error)
	Close() error
}

// NopStore discards snapshots and never finds one. Used when
// persistence is disabled.
type NopStore struct{}

func (NopStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error { return nil }
func (NopStore) LoadSnapshot(ctx context.Context, bot string) (*Snapshot, error) {
	return nil, ErrNoSnapshot
}
func (NopStore) DeleteSnapshot(ctx context.Context, bot string) (bool, error) { return false, nil }
func (NopStore) Close() error                                                 { return nil }

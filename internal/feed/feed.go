// Package feed supplies lead and roster snapshots from the CRM along with
// change notifications.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"opsqueue/internal/domain"
)

// Snapshot is one consistent read of the CRM feed.
type Snapshot struct {
	Leads    []domain.Lead    `json:"leads"`
	Profiles []domain.Profile `json:"profiles"`
}

// Fingerprint identifies the snapshot content. Equal fingerprints mean a
// resync would be a no-op.
func (s Snapshot) Fingerprint() string {
	leads, profiles := s.Leads, s.Profiles
	if leads == nil {
		leads = []domain.Lead{}
	}
	if profiles == nil {
		profiles = []domain.Profile{}
	}
	data, _ := json.Marshal(Snapshot{Leads: leads, Profiles: profiles})
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%d:%d:%s", len(leads), len(profiles), hex.EncodeToString(sum[:8]))
}

// Source is a lead and roster feed. Changes delivers a coalesced signal
// whenever the feed may have new content.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Changes() <-chan struct{}
}

// Static is an in-memory Source.
type Static struct {
	mu      sync.Mutex
	snap    Snapshot
	changes chan struct{}
}

func NewStatic(snap Snapshot) *Static {
	return &Static{snap: snap, changes: make(chan struct{}, 1)}
}

func (s *Static) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Leads:    append([]domain.Lead(nil), s.snap.Leads...),
		Profiles: append([]domain.Profile(nil), s.snap.Profiles...),
	}, nil
}

func (s *Static) Changes() <-chan struct{} { return s.changes }

// Set replaces the snapshot and signals a change.
func (s *Static) Set(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	notify(s.changes)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

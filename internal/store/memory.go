package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/galadd/botfleet/internal/fleet"
)

// MemoryStore has the same surface as BoltStore without persistence.
type MemoryStore struct {
	mu         sync.Mutex
	placements map[fleet.UserID]fleet.Placement
	accounts   map[fleet.UserID]Account
	ops        []Operation
	seq        uint64

	// FailSetPlacement makes SetPlacement return this error, to simulate a store outage.
	FailSetPlacement error
}

var _ fleet.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		placements: make(map[fleet.UserID]fleet.Placement),
		accounts:   make(map[fleet.UserID]Account),
	}
}

func (s *MemoryStore) GetPlacement(ctx context.Context, uid fleet.UserID) (*fleet.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.placements[uid]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) SetPlacement(ctx context.Context, p *fleet.Placement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSetPlacement != nil {
		return s.FailSetPlacement
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.placements[p.UserID] = *p
	return nil
}

func (s *MemoryStore) ClearPlacement(ctx context.Context, uid fleet.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.placements[uid] = *cleared(uid)
	return nil
}

func (s *MemoryStore) ListPlacements(ctx context.Context) ([]*fleet.Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*fleet.Placement, 0, len(s.placements))
	for _, p := range s.placements {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SaveAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.UpdatedAt = time.Now().UTC()
	s.accounts[a.UserID] = *a
	return nil
}

func (s *MemoryStore) Account(ctx context.Context, uid fleet.UserID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[uid]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, uid)
	}
	return &a, nil
}

func (s *MemoryStore) Credentials(ctx context.Context, uid fleet.UserID) (fleet.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[uid]
	if !ok || !usable(a.Credentials) {
		return fleet.Credentials{}, fleet.ErrCredentialsMissing
	}
	return a.Credentials, nil
}

func (s *MemoryStore) CapitalCeiling(ctx context.Context, uid fleet.UserID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accounts[uid].MaxCapital, nil
}

func (s *MemoryStore) LogOperation(ctx context.Context, uid fleet.UserID, op, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.ops = append(s.ops, Operation{
		Seq:     s.seq,
		UserID:  uid,
		Op:      op,
		Details: details,
		At:      time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Operations(ctx context.Context, uid fleet.UserID, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []Operation
	for _, op := range s.ops {
		if op.UserID == uid {
			ops = append(ops, op)
		}
	}
	return newestFirst(ops, limit), nil
}

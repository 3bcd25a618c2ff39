// Package memory provides an in-memory implementation of the authorization
// and settlement stores. It is the default for tests and single-node
// development; production deployments use the postgres store.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	multisettle "github.com/x402-foundation/multisettle"
)

// Store keeps all records under a single mutex. Reserve holds the lock for
// the whole read-modify-write, which is what makes concurrent reservations
// against the same authorization safe.
type Store struct {
	mu          sync.Mutex
	auths       map[string]*multisettle.Authorization
	byNonce     map[string]string // facilitatorID + "\x00" + nonce -> auth id
	settlements map[string]*multisettle.SettlementRecord
	byAuth      map[string][]string // auth id -> settlement ids in creation order

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		auths:       make(map[string]*multisettle.Authorization),
		byNonce:     make(map[string]string),
		settlements: make(map[string]*multisettle.SettlementRecord),
		byAuth:      make(map[string][]string),
		now:         time.Now,
	}
}

// WithClock overrides the expiry clock (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func nonceKey(facilitatorID, nonce string) string {
	return facilitatorID + "\x00" + nonce
}

func (s *Store) Create(ctx context.Context, auth *multisettle.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nonceKey(auth.FacilitatorID, auth.Nonce)
	if _, exists := s.byNonce[key]; exists {
		return multisettle.ErrNonceExists
	}
	s.auths[auth.ID] = auth.Clone()
	s.byNonce[key] = auth.ID
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*multisettle.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[id]
	if !ok {
		return nil, multisettle.ErrNotFound
	}
	s.expireLocked(auth)
	return auth.Clone(), nil
}

func (s *Store) GetByNonce(ctx context.Context, facilitatorID, nonce string) (*multisettle.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byNonce[nonceKey(facilitatorID, nonce)]
	if !ok {
		return nil, multisettle.ErrNotFound
	}
	auth := s.auths[id]
	s.expireLocked(auth)
	return auth.Clone(), nil
}

func (s *Store) Reserve(ctx context.Context, id string, amount *big.Int) (*multisettle.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[id]
	if !ok {
		return nil, multisettle.ErrNotFound
	}

	s.expireLocked(auth)
	if auth.Status != multisettle.StatusActive {
		if auth.Status == multisettle.StatusExpired {
			return auth.Clone(), multisettle.ErrAuthorizationExpired
		}
		return auth.Clone(), multisettle.ErrNotActive
	}
	if amount.Cmp(auth.Remaining) > 0 {
		return auth.Clone(), multisettle.ErrCapExceeded
	}

	auth.Remaining = new(big.Int).Sub(auth.Remaining, amount)
	if auth.Remaining.Sign() == 0 {
		auth.Status = multisettle.StatusExhausted
	}
	auth.UpdatedAt = s.now().UTC()
	return auth.Clone(), nil
}

func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[id]
	if !ok {
		return false, nil
	}
	s.expireLocked(auth)
	if auth.Status != multisettle.StatusActive {
		return false, nil
	}
	auth.Status = multisettle.StatusRevoked
	auth.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) MarkDeposited(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[id]
	if !ok {
		return false, nil
	}
	if !auth.Deposited {
		auth.Deposited = true
		auth.UpdatedAt = s.now().UTC()
	}
	return true, nil
}

func (s *Store) ListActive(ctx context.Context, facilitatorID string, limit, offset int) ([]*multisettle.Authorization, error) {
	return s.list(facilitatorID, limit, offset, true)
}

func (s *Store) List(ctx context.Context, facilitatorID string, limit, offset int) ([]*multisettle.Authorization, error) {
	return s.list(facilitatorID, limit, offset, false)
}

func (s *Store) list(facilitatorID string, limit, offset int, activeOnly bool) ([]*multisettle.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*multisettle.Authorization
	for _, auth := range s.auths {
		if auth.FacilitatorID != facilitatorID {
			continue
		}
		s.expireLocked(auth)
		if activeOnly && auth.Status != multisettle.StatusActive {
			continue
		}
		matched = append(matched, auth)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*multisettle.Authorization{}, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*multisettle.Authorization, len(matched))
	for i, auth := range matched {
		out[i] = auth.Clone()
	}
	return out, nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, auth := range s.auths {
		if auth.Status == multisettle.StatusActive && auth.Expired(now) {
			auth.Status = multisettle.StatusExpired
			auth.UpdatedAt = now.UTC()
			expired++
		}
	}
	return expired, nil
}

// expireLocked flips an overdue active record to expired in place. Callers
// hold the mutex.
func (s *Store) expireLocked(auth *multisettle.Authorization) {
	if auth.Status == multisettle.StatusActive && auth.Expired(s.now()) {
		auth.Status = multisettle.StatusExpired
		auth.UpdatedAt = s.now().UTC()
	}
}

// ============================================================================
// SettlementRecordStore
// ============================================================================

func (s *Store) CreateSettlement(ctx context.Context, rec *multisettle.SettlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements[rec.ID] = rec.Clone()
	s.byAuth[rec.AuthorizationID] = append(s.byAuth[rec.AuthorizationID], rec.ID)
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status multisettle.SettlementStatus, txHash, errorMessage string) (*multisettle.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settlements[id]
	if !ok {
		return nil, multisettle.ErrSettlementNotFound
	}
	if rec.Status.Terminal() {
		return nil, multisettle.ErrSettlementFinalized
	}
	rec.Status = status
	rec.TxHash = txHash
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = s.now().UTC()
	return rec.Clone(), nil
}

func (s *Store) ListByAuthorization(ctx context.Context, authorizationID string) ([]*multisettle.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAuth[authorizationID]
	out := make([]*multisettle.SettlementRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.settlements[id].Clone())
	}
	return out, nil
}

// Settlements adapts the store to the SettlementRecordStore interface. The
// underlying data lives in the same Store instance.
func (s *Store) Settlements() multisettle.SettlementRecordStore {
	return settlementView{s}
}

type settlementView struct{ s *Store }

func (v settlementView) Create(ctx context.Context, rec *multisettle.SettlementRecord) error {
	return v.s.CreateSettlement(ctx, rec)
}

func (v settlementView) UpdateStatus(ctx context.Context, id string, status multisettle.SettlementStatus, txHash, errorMessage string) (*multisettle.SettlementRecord, error) {
	return v.s.UpdateStatus(ctx, id, status, txHash, errorMessage)
}

func (v settlementView) ListByAuthorization(ctx context.Context, authorizationID string) ([]*multisettle.SettlementRecord, error) {
	return v.s.ListByAuthorization(ctx, authorizationID)
}

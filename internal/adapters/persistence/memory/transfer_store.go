// Package memory is an in-process TransferRepository used for local demos and
// tests. Row locks are per-transfer mutexes and every unit of work is
// buffered and applied atomically on success, mirroring the MySQL store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"

	"github.com/google/uuid"
)

// TransferStore is a thread-safe in-memory implementation of repositories.TransferRepository
type TransferStore struct {
	mu          sync.RWMutex
	transfers   map[uuid.UUID]*models.Transfer
	references  map[string]uuid.UUID
	codes       map[uuid.UUID][]*models.TransferValidationCode
	events      map[uuid.UUID][]*models.TransferEvent
	nextEventID uint

	locksMu  sync.Mutex
	rowLocks map[uuid.UUID]*sync.Mutex

	// refMu plays the role of the lock on "latest reference of the day"
	refMu sync.Mutex
}

// NewTransferStore creates an empty store
func NewTransferStore() *TransferStore {
	return &TransferStore{
		transfers:  make(map[uuid.UUID]*models.Transfer),
		references: make(map[string]uuid.UUID),
		codes:      make(map[uuid.UUID][]*models.TransferValidationCode),
		events:     make(map[uuid.UUID][]*models.TransferEvent),
		rowLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

var _ repositories.TransferRepository = (*TransferStore)(nil)

func (s *TransferStore) rowLock(id uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

// CreateWithReference implements repositories.TransferRepository
func (s *TransferStore) CreateWithReference(ctx context.Context, prefix string, next repositories.NextReferenceFunc, t *models.Transfer, fn func(tx repositories.TransferTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	s.mu.RLock()
	latest := ""
	for ref := range s.references {
		if strings.HasPrefix(ref, prefix) && ref > latest {
			latest = ref
		}
	}
	s.mu.RUnlock()

	ref, err := next(latest)
	if err != nil {
		return err
	}
	t.ReferenceNumber = ref

	s.mu.RLock()
	_, taken := s.references[ref]
	s.mu.RUnlock()
	if taken {
		return repositories.ErrReferenceConflict
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	tx := newMemTx(s, cloneTransfer(t))
	tx.dirty = true
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	*t = *cloneTransfer(tx.transfer)
	return nil
}

// WithLock implements repositories.TransferRepository
func (s *TransferStore) WithLock(ctx context.Context, id uuid.UUID, fn func(tx repositories.TransferTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.transfers[id]
	s.mu.RUnlock()
	if !ok {
		return repositories.ErrTransferNotFound
	}

	tx := newMemTx(s, cloneTransfer(current))
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// GetByID implements repositories.TransferRepository
func (s *TransferStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, repositories.ErrTransferNotFound
	}
	return cloneTransfer(t), nil
}

// GetByReference implements repositories.TransferRepository
func (s *TransferStore) GetByReference(ctx context.Context, reference string) (*models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.references[reference]
	if !ok {
		return nil, repositories.ErrTransferNotFound
	}
	return cloneTransfer(s.transfers[id]), nil
}

// ListByUser implements repositories.TransferRepository
func (s *TransferStore) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]*models.Transfer, int64, error) {
	s.mu.RLock()
	var all []*models.Transfer
	for _, t := range s.transfers {
		if t.UserID == userID {
			all = append(all, cloneTransfer(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ReferenceNumber > all[j].ReferenceNumber
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return []*models.Transfer{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// ListActiveByUser implements repositories.TransferRepository
func (s *TransferStore) ListActiveByUser(ctx context.Context, userID uint) ([]*models.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Transfer
	for _, t := range s.transfers {
		if t.UserID == userID && !t.IsTerminal() {
			out = append(out, cloneTransfer(t))
		}
	}
	return out, nil
}

// ListActive implements repositories.TransferRepository
func (s *TransferStore) ListActive(ctx context.Context) ([]*models.Transfer, error) {
	s.mu.RLock()
	var out []*models.Transfer
	for _, t := range s.transfers {
		if t.Status.IsActive() {
			out = append(out, cloneTransfer(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListEvents implements repositories.TransferRepository
func (s *TransferStore) ListEvents(ctx context.Context, transferID uuid.UUID) ([]*models.TransferEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[transferID]
	out := make([]*models.TransferEvent, 0, len(src))
	for _, e := range src {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// ListCodes implements repositories.TransferRepository
func (s *TransferStore) ListCodes(ctx context.Context, transferID uuid.UUID) ([]*models.TransferValidationCode, error) {
	s.mu.RLock()
	out := make([]*models.TransferValidationCode, 0, len(s.codes[transferID]))
	for _, c := range s.codes[transferID] {
		out = append(out, cloneCode(c))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence == out[j].Sequence {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// PurgeExpiredCodes implements repositories.TransferRepository
func (s *TransferStore) PurgeExpiredCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, codes := range s.codes {
		kept := codes[:0]
		for _, c := range codes {
			if c.ConsumedAt == nil && c.ExpiresAt.Before(cutoff) {
				purged++
				continue
			}
			kept = append(kept, c)
		}
		s.codes[id] = kept
	}
	return purged, nil
}

// Ping implements repositories.TransferRepository
func (s *TransferStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ============================================================
// Unit of work
// ============================================================

type memTx struct {
	store    *TransferStore
	transfer *models.Transfer
	dirty    bool
	newCodes []*models.TransferValidationCode
	consumed map[uuid.UUID]time.Time
	events   []*models.TransferEvent
}

func newMemTx(s *TransferStore, t *models.Transfer) *memTx {
	return &memTx{
		store:    s,
		transfer: t,
		consumed: make(map[uuid.UUID]time.Time),
	}
}

func (m *memTx) Transfer() *models.Transfer {
	return m.transfer
}

func (m *memTx) SaveTransfer(t *models.Transfer) error {
	t.UpdatedAt = time.Now()
	m.transfer = cloneTransfer(t)
	m.dirty = true
	return nil
}

func (m *memTx) CodesForSequence(sequence int) ([]*models.TransferValidationCode, error) {
	var out []*models.TransferValidationCode

	m.store.mu.RLock()
	for _, c := range m.store.codes[m.transfer.ID] {
		if c.Sequence == sequence {
			out = append(out, m.overlay(cloneCode(c)))
		}
	}
	m.store.mu.RUnlock()

	for _, c := range m.newCodes {
		if c.Sequence == sequence {
			out = append(out, m.overlay(cloneCode(c)))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (m *memTx) overlay(c *models.TransferValidationCode) *models.TransferValidationCode {
	if at, ok := m.consumed[c.ID]; ok {
		c.ConsumedAt = &at
	}
	return c
}

func (m *memTx) CreateCode(code *models.TransferValidationCode) error {
	m.newCodes = append(m.newCodes, cloneCode(code))
	return nil
}

func (m *memTx) ConsumeCode(codeID uuid.UUID, at time.Time) (bool, error) {
	if _, ok := m.consumed[codeID]; ok {
		return false, nil
	}

	found := false
	m.store.mu.RLock()
	for _, c := range m.store.codes[m.transfer.ID] {
		if c.ID == codeID {
			found = true
			if c.ConsumedAt != nil {
				m.store.mu.RUnlock()
				return false, nil
			}
		}
	}
	m.store.mu.RUnlock()

	if !found {
		for _, c := range m.newCodes {
			if c.ID == codeID {
				found = true
			}
		}
	}
	if !found {
		return false, nil
	}

	m.consumed[codeID] = at
	return true, nil
}

func (m *memTx) AppendEvent(event *models.TransferEvent) error {
	m.events = append(m.events, event)
	return nil
}

// commit applies the buffered writes atomically
func (m *memTx) commit() {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id := m.transfer.ID
	if m.dirty {
		s.transfers[id] = cloneTransfer(m.transfer)
		s.references[m.transfer.ReferenceNumber] = id
	}

	for _, c := range m.newCodes {
		s.codes[id] = append(s.codes[id], c)
	}
	for codeID, at := range m.consumed {
		for _, c := range s.codes[id] {
			if c.ID == codeID && c.ConsumedAt == nil {
				consumedAt := at
				c.ConsumedAt = &consumedAt
			}
		}
	}
	for _, e := range m.events {
		s.nextEventID++
		e.ID = s.nextEventID
		c := *e
		s.events[id] = append(s.events[id], &c)
	}
}

func cloneTransfer(t *models.Transfer) *models.Transfer {
	c := *t
	return &c
}

func cloneCode(code *models.TransferValidationCode) *models.TransferValidationCode {
	c := *code
	return &c
}

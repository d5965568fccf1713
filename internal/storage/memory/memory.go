// Package memory provides an in-process implementation of the storage
// interfaces for tests and single-node dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payrelay/internal/storage"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	recipients map[int64]storage.Recipient
	fragments  []storage.Fragment
	refs       map[string]int
	batches    map[uuid.UUID]storage.PayoutBatch
	failures   map[string]storage.Failure
	payments   map[string]storage.Payment
	locks      map[int64]bool
	nextID     int64

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		recipients: make(map[int64]storage.Recipient),
		refs:       make(map[string]int),
		batches:    make(map[uuid.UUID]storage.PayoutBatch),
		failures:   make(map[string]storage.Failure),
		payments:   make(map[string]storage.Payment),
		locks:      make(map[int64]bool),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) UpsertRecipient(_ context.Context, r storage.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UpdatedAt = s.now()
	s.recipients[r.ID] = r
	return nil
}

func (s *Store) GetRecipient(_ context.Context, id int64) (storage.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[id]
	if !ok {
		return storage.Recipient{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) InsertFragment(_ context.Context, f storage.Fragment) (bool, error) {
	if f.PaymentRef == "" || !f.AmountUSD.IsPositive() {
		return false, storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refs[f.PaymentRef]; ok {
		return false, nil
	}
	s.nextID++
	f.ID = s.nextID
	f.PaidOut = false
	f.BatchID = nil
	f.PaidOutAt = nil
	f.CreatedAt = s.now()
	s.refs[f.PaymentRef] = len(s.fragments)
	s.fragments = append(s.fragments, f)
	return true, nil
}

func (s *Store) ListRecipientTotals(_ context.Context) ([]storage.RecipientTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byRecipient := make(map[int64]*storage.RecipientTotal)
	for _, f := range s.fragments {
		if f.PaidOut {
			continue
		}
		r, ok := s.recipients[f.RecipientID]
		if !ok {
			continue
		}
		t, ok := byRecipient[f.RecipientID]
		if !ok {
			t = &storage.RecipientTotal{Recipient: r, UnpaidUSD: decimal.Zero}
			byRecipient[f.RecipientID] = t
		}
		t.UnpaidUSD = t.UnpaidUSD.Add(f.AmountUSD)
		t.FragmentCount++
	}

	totals := make([]storage.RecipientTotal, 0, len(byRecipient))
	for _, t := range byRecipient {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].ID < totals[j].ID })
	return totals, nil
}

func (s *Store) ListUnpaidFragments(_ context.Context, recipientID int64) ([]storage.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Fragment, 0)
	for _, f := range s.fragments {
		if f.RecipientID == recipientID && !f.PaidOut {
			out = append(out, f)
		}
	}
	return out, nil
}

// Fragments returns a copy of every stored fragment.
func (s *Store) Fragments() []storage.Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]storage.Fragment(nil), s.fragments...)
}

func (s *Store) CommitBatch(_ context.Context, batch storage.PayoutBatch, fragmentIDs []int64) (storage.PayoutBatch, error) {
	if len(fragmentIDs) == 0 || batch.ID == uuid.Nil {
		return storage.PayoutBatch{}, storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[batch.ID]; exists {
		return storage.PayoutBatch{}, fmt.Errorf("%w: batch %s exists", storage.ErrConflict, batch.ID)
	}

	wanted := make(map[int64]bool, len(fragmentIDs))
	for _, id := range fragmentIDs {
		wanted[id] = true
	}
	idx := make([]int, 0, len(wanted))
	total := decimal.Zero
	for i, f := range s.fragments {
		if !wanted[f.ID] || f.PaidOut || f.RecipientID != batch.RecipientID {
			continue
		}
		idx = append(idx, i)
		total = total.Add(f.AmountUSD)
	}
	if len(idx) != len(fragmentIDs) {
		return storage.PayoutBatch{}, fmt.Errorf("%w: locked %d of %d fragments", storage.ErrConflict, len(idx), len(fragmentIDs))
	}

	batch.AmountUSD = total
	batch.FragmentCount = len(idx)
	batch.Status = storage.BatchPending
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = s.now()
	}
	paidAt := batch.CreatedAt
	for _, i := range idx {
		id := batch.ID
		s.fragments[i].PaidOut = true
		s.fragments[i].BatchID = &id
		s.fragments[i].PaidOutAt = &paidAt
	}
	s.batches[batch.ID] = batch
	return batch, nil
}

func (s *Store) UpdateBatchStatus(_ context.Context, id uuid.UUID, status storage.BatchStatus, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !b.Status.CanMoveTo(status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, b.Status, status)
	}
	b.Status = status
	if reason != "" {
		r := reason
		b.Error = &r
	}
	switch status {
	case storage.BatchProcessing:
		if b.ProcessingStartedAt == nil {
			t := at
			b.ProcessingStartedAt = &t
		}
	case storage.BatchCompleted, storage.BatchFailed:
		if b.CompletedAt == nil {
			t := at
			b.CompletedAt = &t
		}
	}
	s.batches[id] = b
	return nil
}

func (s *Store) GetBatch(_ context.Context, id uuid.UUID) (storage.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return storage.PayoutBatch{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListRecentBatches(_ context.Context, limit int) ([]storage.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedBatches()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListBatchesBetween(_ context.Context, from, to time.Time) ([]storage.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.PayoutBatch, 0)
	for _, b := range s.sortedBatches() {
		if !b.CreatedAt.Before(from) && b.CreatedAt.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) sortedBatches() []storage.PayoutBatch {
	out := make([]storage.PayoutBatch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) RecordFailure(_ context.Context, f storage.Failure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.failures[f.UniqueID]; ok {
		return current.AlertedAt == nil, nil
	}
	if len(f.Details) == 0 {
		f.Details = json.RawMessage("{}")
	}
	f.CreatedAt = s.now()
	f.AlertedAt = nil
	s.failures[f.UniqueID] = f
	return true, nil
}

func (s *Store) MarkAlerted(_ context.Context, uniqueID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[uniqueID]
	if !ok || f.AlertedAt != nil {
		return nil
	}
	f.AlertedAt = &at
	s.failures[uniqueID] = f
	return nil
}

func (s *Store) ListRecentFailures(_ context.Context, limit int) ([]storage.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Failure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UniqueID < out[j].UniqueID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimPayment(_ context.Context, p storage.Payment, staleBefore time.Time) (storage.PaymentClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ClaimedAt.IsZero() {
		p.ClaimedAt = s.now()
	}

	current, ok := s.payments[p.UniqueID]
	claimable := !ok ||
		current.Status == storage.PaymentFailed ||
		(current.Status == storage.PaymentExecuting && current.ClaimedAt.Before(staleBefore))
	if !claimable {
		return storage.PaymentClaim{Claimed: false, Current: current}, nil
	}

	if ok {
		current.Status = storage.PaymentExecuting
		current.ClaimedAt = p.ClaimedAt
		current.UpdatedAt = p.ClaimedAt
		current.ErrorCode = nil
	} else {
		current = p
		current.Status = storage.PaymentExecuting
		current.UpdatedAt = p.ClaimedAt
	}
	s.payments[p.UniqueID] = current
	return storage.PaymentClaim{Claimed: true, Current: current}, nil
}

func (s *Store) CompletePayment(_ context.Context, uniqueID, txHash string, blockNumber, gasUsed int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[uniqueID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = storage.PaymentCompleted
	p.TxHash = &txHash
	p.BlockNumber = &blockNumber
	p.GasUsed = &gasUsed
	p.ErrorCode = nil
	p.UpdatedAt = at
	s.payments[uniqueID] = p
	return nil
}

func (s *Store) RecordBroadcast(_ context.Context, uniqueID, txHash string, nonce uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[uniqueID]
	if !ok || p.Status != storage.PaymentExecuting {
		return storage.ErrConflict
	}
	n := int64(nonce)
	if p.Nonce != nil && *p.Nonce != n {
		return storage.ErrConflict
	}
	p.Nonce = &n
	if !slices.Contains(p.BroadcastHashes, txHash) {
		p.BroadcastHashes = append(slices.Clone(p.BroadcastHashes), txHash)
	}
	p.UpdatedAt = at
	s.payments[uniqueID] = p
	return nil
}

func (s *Store) FailPayment(_ context.Context, uniqueID, code string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[uniqueID]
	if !ok || p.Status == storage.PaymentCompleted {
		return nil
	}
	p.Status = storage.PaymentFailed
	p.ErrorCode = &code
	p.UpdatedAt = at
	s.payments[uniqueID] = p
	return nil
}

func (s *Store) GetPayment(_ context.Context, uniqueID string) (storage.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[uniqueID]
	if !ok {
		return storage.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] {
		return nil, false, nil
	}
	s.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}, true, nil
}

var (
	_ storage.RecipientStore = (*Store)(nil)
	_ storage.FragmentStore  = (*Store)(nil)
	_ storage.BatchStore     = (*Store)(nil)
	_ storage.FailureStore   = (*Store)(nil)
	_ storage.PaymentStore   = (*Store)(nil)
	_ storage.AdvisoryLocker = (*Store)(nil)
)

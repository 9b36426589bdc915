// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
)

// Store implements every storage interface behind one mutex, which makes the
// composite ledger operations trivially atomic.
type Store struct {
	mu     sync.RWMutex
	nextID int64

	users            map[string]user.User
	usersByEmail     map[string]string
	usersByStudentID map[string]string

	activities    map[string]activity.Activity
	registrations map[string]activity.Registration

	rewards map[string]reward.Reward

	batches      map[string]ledger.MintBatch
	batchesByKey map[string]string
	entries      map[string]ledger.Entry
	entryOrder   []string
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:           1,
		users:            make(map[string]user.User),
		usersByEmail:     make(map[string]string),
		usersByStudentID: make(map[string]string),
		activities:       make(map[string]activity.Activity),
		registrations:    make(map[string]activity.Registration),
		rewards:          make(map[string]reward.Reward),
		batches:          make(map[string]ledger.MintBatch),
		batchesByKey:     make(map[string]string),
		entries:          make(map[string]ledger.Entry),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	emailKey := strings.ToLower(strings.TrimSpace(u.Email))
	if _, exists := s.usersByEmail[emailKey]; exists {
		return user.User{}, fmt.Errorf("email %s: %w", u.Email, storage.ErrDuplicateKey)
	}
	if _, exists := s.usersByStudentID[u.StudentID]; exists {
		return user.User{}, fmt.Errorf("student id %s: %w", u.StudentID, storage.ErrDuplicateKey)
	}

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrDuplicateKey)
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = u
	s.usersByEmail[emailKey] = u.ID
	s.usersByStudentID[u.StudentID] = u.ID
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}

	// Identity and balance fields are not updatable through this path.
	u.Email = original.Email
	u.StudentID = original.StudentID
	u.Balance = original.Balance
	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(id)
}

func (s *Store) getUserLocked(id string) (user.User, error) {
	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return user.User{}, fmt.Errorf("email %s: %w", email, storage.ErrNotFound)
	}
	return s.users[id], nil
}

func (s *Store) GetUserByStudentID(_ context.Context, studentID string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByStudentID[studentID]
	if !ok {
		return user.User{}, fmt.Errorf("student id %s: %w", studentID, storage.ErrNotFound)
	}
	return s.users[id], nil
}

func (s *Store) ListUsers(_ context.Context, offset, limit int) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, offset, limit), nil
}

func (s *Store) Leaderboard(_ context.Context, limit int) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	students := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Role == user.RoleStudent {
			students = append(students, u)
		}
	}
	sort.Slice(students, func(i, j int) bool {
		if students[i].Balance != students[j].Balance {
			return students[i].Balance > students[j].Balance
		}
		return students[i].ID < students[j].ID
	})
	if limit > 0 && len(students) > limit {
		students = students[:limit]
	}
	return students, nil
}

// ActivityStore implementation ------------------------------------------------

func (s *Store) CreateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if act.ID == "" {
		act.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	act.CreatedAt = now
	act.UpdatedAt = now

	s.activities[act.ID] = act
	return act, nil
}

func (s *Store) UpdateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.activities[act.ID]
	if !ok {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", act.ID, storage.ErrNotFound)
	}
	act.CreatedBy = original.CreatedBy
	act.CreatedAt = original.CreatedAt
	act.UpdatedAt = time.Now().UTC()

	s.activities[act.ID] = act
	return act, nil
}

func (s *Store) GetActivity(_ context.Context, id string) (activity.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	act, ok := s.activities[id]
	if !ok {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", id, storage.ErrNotFound)
	}
	return act, nil
}

func (s *Store) ListActivities(_ context.Context, status activity.Status, offset, limit int) ([]activity.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]activity.Activity, 0, len(s.activities))
	for _, act := range s.activities {
		if status != "" && act.Status != status {
			continue
		}
		all = append(all, act)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Date.After(all[j].Date) })
	return paginate(all, offset, limit), nil
}

func (s *Store) CreateRegistration(_ context.Context, reg activity.Registration) (activity.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.registrations {
		if existing.UserID == reg.UserID && existing.ActivityID == reg.ActivityID {
			return activity.Registration{}, fmt.Errorf("registration for user %s on activity %s: %w",
				reg.UserID, reg.ActivityID, storage.ErrDuplicateKey)
		}
	}

	if reg.ID == "" {
		reg.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now

	s.registrations[reg.ID] = reg
	return reg, nil
}

func (s *Store) UpdateRegistration(_ context.Context, reg activity.Registration) (activity.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.registrations[reg.ID]
	if !ok {
		return activity.Registration{}, fmt.Errorf("registration %s: %w", reg.ID, storage.ErrNotFound)
	}
	reg.UserID = original.UserID
	reg.ActivityID = original.ActivityID
	reg.CreatedAt = original.CreatedAt
	reg.UpdatedAt = time.Now().UTC()

	s.registrations[reg.ID] = reg
	return reg, nil
}

func (s *Store) GetRegistration(_ context.Context, id string) (activity.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.registrations[id]
	if !ok {
		return activity.Registration{}, fmt.Errorf("registration %s: %w", id, storage.ErrNotFound)
	}
	return reg, nil
}

func (s *Store) FindRegistration(_ context.Context, userID, activityID string) (activity.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findRegistrationLocked(userID, activityID)
}

func (s *Store) findRegistrationLocked(userID, activityID string) (activity.Registration, error) {
	for _, reg := range s.registrations {
		if reg.UserID == userID && reg.ActivityID == activityID {
			return reg, nil
		}
	}
	return activity.Registration{}, fmt.Errorf("registration for user %s on activity %s: %w",
		userID, activityID, storage.ErrNotFound)
}

func (s *Store) ListRegistrationsByUser(_ context.Context, userID string) ([]activity.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []activity.Registration
	for _, reg := range s.registrations {
		if reg.UserID == userID {
			result = append(result, reg)
		}
	}
	sortRegistrations(result)
	return result, nil
}

func (s *Store) ListRegistrationsByActivity(_ context.Context, activityID string) ([]activity.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []activity.Registration
	for _, reg := range s.registrations {
		if reg.ActivityID == activityID {
			result = append(result, reg)
		}
	}
	sortRegistrations(result)
	return result, nil
}

func (s *Store) ListParticipants(_ context.Context, activityID string) ([]activity.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var regs []activity.Registration
	for _, reg := range s.registrations {
		if reg.ActivityID == activityID {
			regs = append(regs, reg)
		}
	}
	sortRegistrations(regs)

	result := make([]activity.Participant, 0, len(regs))
	for _, reg := range regs {
		u, ok := s.users[reg.UserID]
		if !ok {
			continue
		}
		result = append(result, activity.Participant{
			RegistrationID:     reg.ID,
			RegistrationStatus: reg.Status,
			UserID:             u.ID,
			Name:               u.Name,
			Surname:            u.Surname,
			StudentID:          u.StudentID,
			Pseudonym:          u.Pseudonym,
			Email:              u.Email,
			Faculty:            u.Faculty,
			WalletAddress:      u.WalletAddress,
		})
	}
	return result, nil
}

func (s *Store) CountRegistrations(_ context.Context, activityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, reg := range s.registrations {
		if reg.ActivityID == activityID && reg.Status != activity.RegistrationRejected {
			count++
		}
	}
	return count, nil
}

// RewardStore implementation --------------------------------------------------

func (s *Store) CreateReward(_ context.Context, rw reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rw.ID == "" {
		rw.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	rw.CreatedAt = now
	rw.UpdatedAt = now
	rw.Quantity = cloneQuantity(rw.Quantity)

	s.rewards[rw.ID] = rw
	return rw, nil
}

func (s *Store) UpdateReward(_ context.Context, rw reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.rewards[rw.ID]
	if !ok {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", rw.ID, storage.ErrNotFound)
	}
	rw.CreatedAt = original.CreatedAt
	rw.UpdatedAt = time.Now().UTC()
	rw.Quantity = cloneQuantity(rw.Quantity)

	s.rewards[rw.ID] = rw
	return rw, nil
}

func (s *Store) GetReward(_ context.Context, id string) (reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rw, ok := s.rewards[id]
	if !ok {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", id, storage.ErrNotFound)
	}
	rw.Quantity = cloneQuantity(rw.Quantity)
	return rw, nil
}

func (s *Store) ListRewards(_ context.Context, status reward.Status) ([]reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]reward.Reward, 0, len(s.rewards))
	for _, rw := range s.rewards {
		if status != "" && rw.Status != status {
			continue
		}
		rw.Quantity = cloneQuantity(rw.Quantity)
		all = append(all, rw)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) CreateMintBatch(_ context.Context, b ledger.MintBatch) (ledger.MintBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batchesByKey[b.IdempotencyKey]; exists {
		return ledger.MintBatch{}, fmt.Errorf("idempotency key %s: %w", b.IdempotencyKey, storage.ErrDuplicateKey)
	}

	if b.ID == "" {
		b.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	b.UserIDs = append([]string(nil), b.UserIDs...)

	s.batches[b.ID] = b
	s.batchesByKey[b.IdempotencyKey] = b.ID
	return cloneBatch(b), nil
}

func (s *Store) UpdateMintBatch(_ context.Context, b ledger.MintBatch) (ledger.MintBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.batches[b.ID]
	if !ok {
		return ledger.MintBatch{}, fmt.Errorf("mint batch %s: %w", b.ID, storage.ErrNotFound)
	}
	b.ActivityID = original.ActivityID
	b.IdempotencyKey = original.IdempotencyKey
	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()
	b.UserIDs = append([]string(nil), b.UserIDs...)

	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

func (s *Store) GetMintBatch(_ context.Context, id string) (ledger.MintBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return ledger.MintBatch{}, fmt.Errorf("mint batch %s: %w", id, storage.ErrNotFound)
	}
	return cloneBatch(b), nil
}

func (s *Store) GetMintBatchByKey(_ context.Context, key string) (ledger.MintBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.batchesByKey[key]
	if !ok {
		return ledger.MintBatch{}, fmt.Errorf("idempotency key %s: %w", key, storage.ErrNotFound)
	}
	return cloneBatch(s.batches[id]), nil
}

func (s *Store) ListUncommittedBatches(_ context.Context) ([]ledger.MintBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.MintBatch
	for _, b := range s.batches {
		switch {
		case b.Status == ledger.BatchChainConfirmed:
			result = append(result, cloneBatch(b))
		case b.Status == ledger.BatchChainSubmitted && b.TxRef != "":
			result = append(result, cloneBatch(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CountBatchesByActivity(_ context.Context, activityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, b := range s.batches {
		if b.ActivityID == activityID && b.Status != ledger.BatchFailed {
			count++
		}
	}
	return count, nil
}

func (s *Store) CommitMintBatch(_ context.Context, batchID string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("mint batch %s: %w", batchID, storage.ErrNotFound)
	}
	if b.Status == ledger.BatchCommitted {
		return s.entriesByBatchLocked(batchID), nil
	}
	if b.Status != ledger.BatchChainConfirmed {
		return nil, fmt.Errorf("mint batch %s in status %s: %w", batchID, b.Status, ledger.ErrNotCommittable)
	}

	// Validate every member before writing anything.
	for _, userID := range b.UserIDs {
		if _, err := s.getUserLocked(userID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	created := make([]ledger.Entry, 0, len(b.UserIDs))
	for _, userID := range b.UserIDs {
		u := s.users[userID]
		u.Balance += b.AmountEach
		u.UpdatedAt = now
		s.users[userID] = u

		entry := ledger.Entry{
			ID:          s.nextIDLocked(),
			UserID:      userID,
			Amount:      b.AmountEach,
			Kind:        ledger.KindActivityReward,
			ActivityID:  b.ActivityID,
			BatchID:     b.ID,
			TxRef:       b.TxRef,
			Description: b.Note,
			CreatedAt:   now,
		}
		s.entries[entry.ID] = entry
		s.entryOrder = append(s.entryOrder, entry.ID)
		created = append(created, entry)
	}

	b.Status = ledger.BatchCommitted
	b.UpdatedAt = now
	s.batches[b.ID] = b

	return created, nil
}

func (s *Store) ApplyPurchase(_ context.Context, entry ledger.Entry) (ledger.Entry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.getUserLocked(entry.UserID)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	rw, ok := s.rewards[entry.RewardID]
	if !ok {
		return ledger.Entry{}, 0, fmt.Errorf("reward %s: %w", entry.RewardID, storage.ErrNotFound)
	}

	cost := -entry.Amount
	if cost <= 0 {
		return ledger.Entry{}, 0, fmt.Errorf("purchase amount must be a debit")
	}
	if rw.Status != reward.StatusAvailable {
		return ledger.Entry{}, 0, ledger.ErrRewardUnavailable
	}
	if rw.Quantity != nil && *rw.Quantity <= 0 {
		return ledger.Entry{}, 0, ledger.ErrOutOfStock
	}
	if u.Balance < cost {
		return ledger.Entry{}, 0, ledger.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	u.Balance -= cost
	u.UpdatedAt = now
	s.users[u.ID] = u

	if rw.Quantity != nil {
		remaining := *rw.Quantity - 1
		rw.Quantity = &remaining
		rw.UpdatedAt = now
		s.rewards[rw.ID] = rw
	}

	entry.ID = s.nextIDLocked()
	entry.Kind = ledger.KindRewardPurchase
	entry.CreatedAt = now
	s.entries[entry.ID] = entry
	s.entryOrder = append(s.entryOrder, entry.ID)

	return entry, u.Balance, nil
}

func (s *Store) ListEntriesByUser(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.Entry
	for i := len(s.entryOrder) - 1; i >= 0; i-- {
		entry := s.entries[s.entryOrder[i]]
		if entry.UserID != userID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) ListEntriesByBatch(_ context.Context, batchID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesByBatchLocked(batchID), nil
}

func (s *Store) entriesByBatchLocked(batchID string) []ledger.Entry {
	var result []ledger.Entry
	for _, id := range s.entryOrder {
		if entry := s.entries[id]; entry.BatchID == batchID {
			result = append(result, entry)
		}
	}
	return result
}

func (s *Store) SumEntriesByUser(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, entry := range s.entries {
		if entry.UserID == userID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

// Helpers ----------------------------------------------------------------------

func paginate[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return append([]T(nil), all...)
}

func sortRegistrations(regs []activity.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].CreatedAt.Equal(regs[j].CreatedAt) {
			return regs[i].ID < regs[j].ID
		}
		return regs[i].CreatedAt.Before(regs[j].CreatedAt)
	})
}

func cloneQuantity(q *int) *int {
	if q == nil {
		return nil
	}
	v := *q
	return &v
}

func cloneBatch(b ledger.MintBatch) ledger.MintBatch {
	b.UserIDs = append([]string(nil), b.UserIDs...)
	return b
}

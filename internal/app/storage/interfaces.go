// Package storage defines the persistence interfaces for the platform.
package storage

import (
	"context"
	"errors"

	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned when a unique constraint would be violated
// (email, student id, wallet address, idempotency key).
var ErrDuplicateKey = errors.New("duplicate key")

// UserStore persists platform accounts. Balance columns are written only
// through LedgerStore operations.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	GetUserByStudentID(ctx context.Context, studentID string) (user.User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]user.User, error)
	Leaderboard(ctx context.Context, limit int) ([]user.User, error)
}

// ActivityStore persists activities and their registrations.
type ActivityStore interface {
	CreateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error)
	UpdateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error)
	GetActivity(ctx context.Context, id string) (activity.Activity, error)
	ListActivities(ctx context.Context, status activity.Status, offset, limit int) ([]activity.Activity, error)

	CreateRegistration(ctx context.Context, reg activity.Registration) (activity.Registration, error)
	UpdateRegistration(ctx context.Context, reg activity.Registration) (activity.Registration, error)
	GetRegistration(ctx context.Context, id string) (activity.Registration, error)
	FindRegistration(ctx context.Context, userID, activityID string) (activity.Registration, error)
	ListRegistrationsByUser(ctx context.Context, userID string) ([]activity.Registration, error)
	ListRegistrationsByActivity(ctx context.Context, activityID string) ([]activity.Registration, error)
	ListParticipants(ctx context.Context, activityID string) ([]activity.Participant, error)
	CountRegistrations(ctx context.Context, activityID string) (int, error)
}

// RewardStore persists the reward catalog. Quantity is decremented only
// through LedgerStore.ApplyPurchase.
type RewardStore interface {
	CreateReward(ctx context.Context, rw reward.Reward) (reward.Reward, error)
	UpdateReward(ctx context.Context, rw reward.Reward) (reward.Reward, error)
	GetReward(ctx context.Context, id string) (reward.Reward, error)
	ListRewards(ctx context.Context, status reward.Status) ([]reward.Reward, error)
}

// LedgerStore persists mint batches and ledger entries and owns every
// balance-affecting write. CommitMintBatch and ApplyPurchase are atomic:
// either all of their writes happen or none do, and both re-validate their
// preconditions under row locks.
type LedgerStore interface {
	CreateMintBatch(ctx context.Context, b ledger.MintBatch) (ledger.MintBatch, error)
	UpdateMintBatch(ctx context.Context, b ledger.MintBatch) (ledger.MintBatch, error)
	GetMintBatch(ctx context.Context, id string) (ledger.MintBatch, error)
	GetMintBatchByKey(ctx context.Context, key string) (ledger.MintBatch, error)

	// ListUncommittedBatches returns batches the reconciler owns: those whose
	// mint confirmed but whose ledger commit is missing, and those submitted
	// with a known tx ref whose confirmation was never observed.
	ListUncommittedBatches(ctx context.Context) ([]ledger.MintBatch, error)
	CountBatchesByActivity(ctx context.Context, activityID string) (int, error)

	// CommitMintBatch writes one credit entry per batch member, increments
	// each member's balance, and marks the batch committed, all in one
	// transaction. Committing an already-committed batch returns its
	// existing entries without further effect.
	CommitMintBatch(ctx context.Context, batchID string) ([]ledger.Entry, error)

	// ApplyPurchase re-reads the buyer's balance and the reward's
	// availability under locks, then decrements both and appends the debit
	// entry. Fails with ledger.ErrInsufficientBalance, ledger.ErrOutOfStock
	// or ledger.ErrRewardUnavailable without side effects.
	ApplyPurchase(ctx context.Context, entry ledger.Entry) (ledger.Entry, int64, error)

	ListEntriesByUser(ctx context.Context, userID string, limit int) ([]ledger.Entry, error)
	ListEntriesByBatch(ctx context.Context, batchID string) ([]ledger.Entry, error)
	SumEntriesByUser(ctx context.Context, userID string) (int64, error)
}

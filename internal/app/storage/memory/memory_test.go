package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
)

func newStudent(t *testing.T, s *Store, email string) user.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), user.User{
		Name:      "Test",
		Surname:   "Student",
		StudentID: "SID-" + email,
		Email:     email,
		Role:      user.RoleStudent,
		Status:    user.StatusActive,
	})
	require.NoError(t, err)
	return u
}

func TestCreateUserDuplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	newStudent(t, s, "ada@campus.test")

	_, err := s.CreateUser(ctx, user.User{Email: "ADA@campus.test", StudentID: "other"})
	require.ErrorIs(t, err, storage.ErrDuplicateKey, "email match must be case-insensitive")

	_, err = s.CreateUser(ctx, user.User{Email: "bob@campus.test", StudentID: "SID-ada@campus.test"})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestUpdateUserProtectsIdentityFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	u := newStudent(t, s, "ada@campus.test")
	u.Email = "changed@campus.test"
	u.Balance = 9999
	u.Pseudonym = "ada"

	updated, err := s.UpdateUser(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "ada@campus.test", updated.Email)
	assert.Equal(t, int64(0), updated.Balance)
	assert.Equal(t, "ada", updated.Pseudonym)
}

func TestCommitMintBatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	ada := newStudent(t, s, "ada@campus.test")
	bob := newStudent(t, s, "bob@campus.test")

	batch, err := s.CreateMintBatch(ctx, ledger.MintBatch{
		ActivityID:     "act-1",
		IdempotencyKey: "key-1",
		UserIDs:        []string{ada.ID, bob.ID},
		AmountEach:     50,
		Status:         ledger.BatchChainConfirmed,
		TxRef:          "0xabc",
	})
	require.NoError(t, err)

	_, err = s.CreateMintBatch(ctx, ledger.MintBatch{IdempotencyKey: "key-1"})
	require.ErrorIs(t, err, storage.ErrDuplicateKey)

	entries, err := s.CommitMintBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "0xabc", entries[0].TxRef)

	// Re-commit is a no-op returning the original entries.
	again, err := s.CommitMintBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, entries[0].ID, again[0].ID)

	for _, id := range []string{ada.ID, bob.ID} {
		u, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(50), u.Balance)

		sum, err := s.SumEntriesByUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, u.Balance, sum)
	}
}

func TestCommitMintBatchRequiresChainConfirmed(t *testing.T) {
	s := New()
	ctx := context.Background()

	ada := newStudent(t, s, "ada@campus.test")
	batch, err := s.CreateMintBatch(ctx, ledger.MintBatch{
		IdempotencyKey: "key-1",
		UserIDs:        []string{ada.ID},
		AmountEach:     10,
		Status:         ledger.BatchPending,
	})
	require.NoError(t, err)

	_, err = s.CommitMintBatch(ctx, batch.ID)
	require.ErrorIs(t, err, ledger.ErrNotCommittable)
}

func TestApplyPurchase(t *testing.T) {
	s := New()
	ctx := context.Background()

	ada := newStudent(t, s, "ada@campus.test")
	seedBalance(t, s, ada.ID, 100)

	qty := 1
	rw, err := s.CreateReward(ctx, reward.Reward{
		Title:     "Coffee voucher",
		TokenCost: 80,
		Quantity:  &qty,
		Status:    reward.StatusAvailable,
	})
	require.NoError(t, err)

	entry, balance, err := s.ApplyPurchase(ctx, ledger.Entry{
		UserID:   ada.ID,
		RewardID: rw.ID,
		Amount:   -80,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)
	assert.Equal(t, ledger.KindRewardPurchase, entry.Kind)

	stored, err := s.GetReward(ctx, rw.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Quantity)
	assert.Equal(t, 0, *stored.Quantity)

	_, _, err = s.ApplyPurchase(ctx, ledger.Entry{UserID: ada.ID, RewardID: rw.ID, Amount: -80})
	require.ErrorIs(t, err, ledger.ErrOutOfStock)

	sum, err := s.SumEntriesByUser(ctx, ada.ID)
	require.NoError(t, err)
	u, err := s.GetUser(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Balance, sum)
}

func TestApplyPurchaseInsufficientBalance(t *testing.T) {
	s := New()
	ctx := context.Background()

	ada := newStudent(t, s, "ada@campus.test")
	seedBalance(t, s, ada.ID, 10)

	rw, err := s.CreateReward(ctx, reward.Reward{
		Title:     "Hoodie",
		TokenCost: 500,
		Status:    reward.StatusAvailable,
	})
	require.NoError(t, err)

	_, _, err = s.ApplyPurchase(ctx, ledger.Entry{UserID: ada.ID, RewardID: rw.ID, Amount: -500})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	u, err := s.GetUser(ctx, ada.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.Balance, "failed purchase must not move the balance")
}

// seedBalance credits a user through a committed batch so balance and entry
// sum stay consistent.
func seedBalance(t *testing.T, s *Store, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()

	batch, err := s.CreateMintBatch(ctx, ledger.MintBatch{
		IdempotencyKey: "seed-" + userID,
		UserIDs:        []string{userID},
		AmountEach:     amount,
		Status:         ledger.BatchChainConfirmed,
	})
	require.NoError(t, err)
	_, err = s.CommitMintBatch(ctx, batch.ID)
	require.NoError(t, err)
}

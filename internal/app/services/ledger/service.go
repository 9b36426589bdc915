// Package ledger coordinates token credits and debits so that the on-chain
// contract, the ledger entries and the cached balances tell the same story.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/domain"
	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/metrics"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/chain"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// Minter submits a batch mint to the token contract and waits for
// confirmation.
type Minter interface {
	BatchMint(ctx context.Context, recipients []chain.Recipient) (*chain.MintReceipt, error)
}

// Service owns every balance-affecting operation. Nothing else writes
// balances or ledger entries.
type Service struct {
	users      storage.UserStore
	activities storage.ActivityStore
	rewards    storage.RewardStore
	store      storage.LedgerStore
	minter     Minter
	log        *logger.Logger
}

// New constructs a ledger service. A nil minter makes credit operations fail,
// which is the correct behavior when the chain is not configured.
func New(users storage.UserStore, activities storage.ActivityStore, rewards storage.RewardStore, store storage.LedgerStore, minter Minter, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		users:      users,
		activities: activities,
		rewards:    rewards,
		store:      store,
		minter:     minter,
		log:        log,
	}
}

// CreditInput describes one credit batch request.
type CreditInput struct {
	ActivityID     string
	UserIDs        []string
	IdempotencyKey string // optional; derived from the payload when empty
	Note           string
}

// CreditResult is the outcome of a credit request. Entries is populated only
// when the batch reached the committed state.
type CreditResult struct {
	Batch   ledger.MintBatch
	Entries []ledger.Entry
}

// Pending reports whether the batch still needs the reconciler or the chain.
func (r CreditResult) Pending() bool { return r.Batch.InFlight() }

// CreditForActivity mints the activity's token reward to every listed student
// and mirrors the mint into the ledger. The operation is idempotent per key:
// replaying a request returns the original batch instead of minting twice. A
// batch that failed before its transaction was broadcast is the one
// exception; replaying it retries the mint on the same batch row.
//
// The chain call happens outside any database transaction. A batch that
// confirmed on-chain but failed to commit locally is left in chain_confirmed
// state for the reconciler, so tokens are never minted twice and never lost.
func (s *Service) CreditForActivity(ctx context.Context, actor user.Actor, in CreditInput) (CreditResult, error) {
	if !actor.IsAdmin() {
		return CreditResult{}, user.ErrForbidden
	}
	if len(in.UserIDs) == 0 {
		return CreditResult{}, domain.Invalidf("user_ids must not be empty")
	}
	if s.minter == nil {
		return CreditResult{}, fmt.Errorf("chain minter not configured")
	}

	act, err := s.activities.GetActivity(ctx, in.ActivityID)
	if err != nil {
		return CreditResult{}, err
	}

	userIDs := dedupe(in.UserIDs)
	key := in.IdempotencyKey
	if key == "" {
		key = deriveKey(in.ActivityID, userIDs)
	}

	var retryBatch ledger.MintBatch
	if existing, err := s.store.GetMintBatchByKey(ctx, key); err == nil {
		// A batch that failed before anything reached the chain does not
		// block its key. The retry reuses the row, so the key still maps to
		// exactly one batch. Every other state replays the stored outcome.
		if existing.Status != ledger.BatchFailed || existing.TxRef != "" {
			return s.resultForExisting(ctx, existing)
		}
		retryBatch = existing
	} else if !errors.Is(err, storage.ErrNotFound) {
		return CreditResult{}, err
	}

	recipients, err := s.validateRecipients(ctx, in.ActivityID, userIDs, act.Tokens)
	if err != nil {
		return CreditResult{}, err
	}

	var batch ledger.MintBatch
	if retryBatch.ID != "" {
		retryBatch.UserIDs = userIDs
		retryBatch.AmountEach = act.Tokens
		retryBatch.Note = in.Note
		retryBatch.Status = ledger.BatchPending
		retryBatch.FailureReason = ""
		if batch, err = s.store.UpdateMintBatch(ctx, retryBatch); err != nil {
			return CreditResult{}, err
		}
	} else {
		batch, err = s.store.CreateMintBatch(ctx, ledger.MintBatch{
			ActivityID:     in.ActivityID,
			IdempotencyKey: key,
			UserIDs:        userIDs,
			AmountEach:     act.Tokens,
			Note:           in.Note,
			Status:         ledger.BatchPending,
		})
		if err != nil {
			// Two admins raced on the same key; the first writer wins and the
			// loser gets the winner's outcome.
			if errors.Is(err, storage.ErrDuplicateKey) {
				existing, getErr := s.store.GetMintBatchByKey(ctx, key)
				if getErr != nil {
					return CreditResult{}, getErr
				}
				return s.resultForExisting(ctx, existing)
			}
			return CreditResult{}, err
		}
	}

	started := time.Now()
	log := s.log.WithFields(map[string]interface{}{
		"batch_id":    batch.ID,
		"activity_id": in.ActivityID,
		"recipients":  len(userIDs),
		"amount_each": act.Tokens,
	})
	if retryBatch.ID != "" {
		log.Info("mint batch retried")
	} else {
		log.Info("mint batch created")
	}

	batch.Status = ledger.BatchChainSubmitted
	if batch, err = s.store.UpdateMintBatch(ctx, batch); err != nil {
		return CreditResult{}, err
	}

	receipt, mintErr := s.minter.BatchMint(ctx, recipients)
	if mintErr != nil {
		return s.handleMintFailure(ctx, batch, mintErr, log)
	}

	batch.Status = ledger.BatchChainConfirmed
	batch.TxRef = receipt.TxRef
	if batch, err = s.store.UpdateMintBatch(ctx, batch); err != nil {
		// The mint is confirmed on-chain but the local record did not
		// advance. Surface the error; the batch record still carries the
		// chain_submitted status and needs operator attention.
		log.WithError(err).Error("record chain confirmation failed")
		return CreditResult{}, err
	}

	entries, err := s.store.CommitMintBatch(ctx, batch.ID)
	if err != nil {
		// Chain state is ahead of ledger state. The reconciler retries the
		// commit; callers see a pending batch, not a failure.
		log.WithError(err).Warn("ledger commit deferred to reconciler")
		metrics.RecordMintBatch(string(ledger.BatchChainConfirmed), time.Since(started))
		return CreditResult{Batch: batch}, nil
	}

	batch.Status = ledger.BatchCommitted
	log.WithField("tx_ref", batch.TxRef).Info("mint batch committed")
	metrics.RecordMintBatch(string(ledger.BatchCommitted), time.Since(started))
	return CreditResult{Batch: batch, Entries: entries}, nil
}

func (s *Service) handleMintFailure(ctx context.Context, batch ledger.MintBatch, mintErr error, log *logger.Logger) (CreditResult, error) {
	var confErr *chain.ConfirmationError
	if errors.As(mintErr, &confErr) {
		// The transaction was broadcast and may still confirm. Keep the
		// batch in flight with its transaction reference so the outcome can
		// be resolved later instead of minting again.
		batch.TxRef = confErr.TxRef
		batch.FailureReason = confErr.Err.Error()
		if updated, err := s.store.UpdateMintBatch(ctx, batch); err == nil {
			batch = updated
		} else {
			log.WithError(err).Error("record unconfirmed mint failed")
		}
		log.WithField("tx_ref", confErr.TxRef).Warn("mint confirmation pending")
		return CreditResult{Batch: batch}, nil
	}

	// Gas estimation and submission failures happen before any on-chain
	// effect, so the batch fails cleanly and the identical request may be
	// retried once the node recovers.
	batch.Status = ledger.BatchFailed
	batch.FailureReason = mintErr.Error()
	if updated, err := s.store.UpdateMintBatch(ctx, batch); err == nil {
		batch = updated
	} else {
		log.WithError(err).Error("record mint failure failed")
	}
	log.WithError(mintErr).Warn("mint batch failed")
	metrics.RecordMintBatch(string(ledger.BatchFailed), 0)
	return CreditResult{Batch: batch}, mintErr
}

func (s *Service) resultForExisting(ctx context.Context, batch ledger.MintBatch) (CreditResult, error) {
	if batch.Status == ledger.BatchCommitted {
		entries, err := s.store.ListEntriesByBatch(ctx, batch.ID)
		if err != nil {
			return CreditResult{}, err
		}
		return CreditResult{Batch: batch, Entries: entries}, nil
	}
	if batch.Status == ledger.BatchFailed {
		// Only batches that faulted on-chain stay failed under their key;
		// pre-submission failures are retried in place before reaching here.
		return CreditResult{Batch: batch}, fmt.Errorf("%w: %s", ledger.ErrBatchFailed, batch.FailureReason)
	}
	return CreditResult{Batch: batch}, nil
}

// validateRecipients checks every student before anything is written. The
// whole batch is rejected when any account is missing, inactive, without a
// wallet, or not confirmed for the activity, and the error lists all of them.
func (s *Service) validateRecipients(ctx context.Context, activityID string, userIDs []string, amount int64) ([]chain.Recipient, error) {
	verr := &ledger.ValidationError{}
	recipients := make([]chain.Recipient, 0, len(userIDs))

	for _, id := range userIDs {
		u, err := s.users.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				verr.MissingAccounts = append(verr.MissingAccounts, id)
				continue
			}
			return nil, err
		}
		if u.Status != user.StatusActive {
			verr.InactiveAccounts = append(verr.InactiveAccounts, id)
			continue
		}
		if u.WalletAddress == "" {
			verr.MissingWallets = append(verr.MissingWallets, id)
			continue
		}

		reg, err := s.activities.FindRegistration(ctx, id, activityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				verr.NotConfirmed = append(verr.NotConfirmed, id)
				continue
			}
			return nil, err
		}
		if reg.Status != activity.RegistrationConfirmed {
			verr.NotConfirmed = append(verr.NotConfirmed, id)
			continue
		}

		recipients = append(recipients, chain.Recipient{Wallet: u.WalletAddress, Amount: amount})
	}

	if !verr.Empty() {
		return nil, verr
	}
	return recipients, nil
}

// DebitForPurchase spends tokens on a reward for the acting student. The
// balance and stock checks are re-run atomically in the store, so concurrent
// purchases can never oversell or overdraw.
func (s *Service) DebitForPurchase(ctx context.Context, actor user.Actor, rewardID string) (ledger.Entry, int64, error) {
	u, err := s.users.GetUser(ctx, actor.UserID)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	if u.Status != user.StatusActive {
		return ledger.Entry{}, 0, user.ErrForbidden
	}

	rw, err := s.rewards.GetReward(ctx, rewardID)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	if rw.Status != reward.StatusAvailable {
		metrics.RecordPurchase("unavailable")
		return ledger.Entry{}, 0, ledger.ErrRewardUnavailable
	}

	entry, balance, err := s.store.ApplyPurchase(ctx, ledger.Entry{
		UserID:      actor.UserID,
		RewardID:    rewardID,
		Amount:      -rw.TokenCost,
		Description: rw.Title,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			metrics.RecordPurchase("insufficient_balance")
		case errors.Is(err, ledger.ErrOutOfStock):
			metrics.RecordPurchase("out_of_stock")
		case errors.Is(err, ledger.ErrRewardUnavailable):
			metrics.RecordPurchase("unavailable")
		}
		return ledger.Entry{}, 0, err
	}

	metrics.RecordPurchase("ok")
	s.log.WithFields(map[string]interface{}{
		"user_id":   actor.UserID,
		"reward_id": rewardID,
		"cost":      rw.TokenCost,
		"balance":   balance,
	}).Info("reward purchased")
	return entry, balance, nil
}

// History returns a user's ledger entries, newest first. Students may only
// read their own history.
func (s *Service) History(ctx context.Context, actor user.Actor, userID string, limit int) ([]ledger.Entry, error) {
	if !actor.IsAdmin() && actor.UserID != userID {
		return nil, user.ErrForbidden
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListEntriesByUser(ctx, userID, limit)
}

// GetBatch returns a mint batch. Admin only.
func (s *Service) GetBatch(ctx context.Context, actor user.Actor, id string) (ledger.MintBatch, error) {
	if !actor.IsAdmin() {
		return ledger.MintBatch{}, user.ErrForbidden
	}
	return s.store.GetMintBatch(ctx, id)
}

// AuditReport compares a user's cached balance against the sum of their
// ledger entries.
type AuditReport struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	EntrySum   int64  `json:"entry_sum"`
	Consistent bool   `json:"consistent"`
}

// Audit verifies the balance invariant for one user. Admin only.
func (s *Service) Audit(ctx context.Context, actor user.Actor, userID string) (AuditReport, error) {
	if !actor.IsAdmin() {
		return AuditReport{}, user.ErrForbidden
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	sum, err := s.store.SumEntriesByUser(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{
		UserID:     userID,
		Balance:    u.Balance,
		EntrySum:   sum,
		Consistent: u.Balance == sum,
	}
	if !report.Consistent {
		s.log.WithFields(map[string]interface{}{
			"user_id":   userID,
			"balance":   u.Balance,
			"entry_sum": sum,
		}).Error("balance does not match ledger")
	}
	return report, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

// deriveKey builds a deterministic idempotency key from the request payload,
// for clients that do not send their own.
func deriveKey(activityID string, userIDs []string) string {
	sorted := append([]string(nil), userIDs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("mint:%s:%s", activityID, hex.EncodeToString(sum[:]))
}

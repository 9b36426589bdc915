// Package ledger defines the append-only transaction ledger and the mint
// batch records that tie on-chain mints to off-chain balance state.
package ledger

import "time"

// EntryKind classifies a balance-affecting event.
type EntryKind string

const (
	KindActivityReward EntryKind = "activity_reward"
	KindRewardPurchase EntryKind = "reward_purchase"
)

// Entry is one immutable ledger record. Amount is signed: positive for
// credits, negative for debits. Corrections are new entries, never edits.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Kind        EntryKind `json:"kind"`
	ActivityID  string    `json:"activity_id,omitempty"`
	RewardID    string    `json:"reward_id,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BatchStatus is the state of a credit batch.
//
//	pending          validated, not yet submitted on-chain
//	chain_submitted  mint call in flight; once a tx ref is known the
//	                 reconciler settles the batch against the chain
//	chain_confirmed  mint landed on-chain but the ledger commit has not;
//	                 the reconciler owns batches in this state
//	committed        terminal success: entries written, balances bumped
//	failed           terminal failure; retried in place when nothing
//	                 reached the chain, permanent after an on-chain fault
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchChainSubmitted BatchStatus = "chain_submitted"
	BatchChainConfirmed BatchStatus = "chain_confirmed"
	BatchCommitted      BatchStatus = "committed"
	BatchFailed         BatchStatus = "failed"
)

// MintBatch records one credit batch end to end. The idempotency key is
// unique: resubmitting the same batch returns the original outcome instead of
// double-crediting.
type MintBatch struct {
	ID             string      `json:"id"`
	ActivityID     string      `json:"activity_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	UserIDs        []string    `json:"user_ids"`
	AmountEach     int64       `json:"amount_each"`
	Note           string      `json:"note,omitempty"`
	Status         BatchStatus `json:"status"`
	TxRef          string      `json:"tx_ref,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// InFlight reports whether the batch still has work pending.
func (b MintBatch) InFlight() bool {
	return b.Status == BatchPending || b.Status == BatchChainSubmitted || b.Status == BatchChainConfirmed
}

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/metrics"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/app/system"
	"github.com/omsu-chain/campuscoin/internal/chain"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// TxFateChecker resolves whether a submitted transaction landed on-chain.
// Implemented by chain.Client.
type TxFateChecker interface {
	LookupTxFate(ctx context.Context, txRef string) (chain.TxFate, error)
}

// Reconciler owns the batches stuck between the chain and the ledger. It
// retries the ledger commit for batches whose mint confirmed but whose
// balances were never written, and it resolves batches whose confirmation was
// never observed by asking the chain for the transaction's fate.
// CommitMintBatch is idempotent, so racing a concurrent commit is harmless.
type Reconciler struct {
	store    storage.LedgerStore
	fates    TxFateChecker
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates a reconciler polling at the given interval. A
// non-positive interval falls back to 15 seconds. A nil fate checker leaves
// unconfirmed submissions alone; committed-but-unwritten batches are still
// retried.
func NewReconciler(store storage.LedgerStore, fates TxFateChecker, interval time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("ledger-reconciler")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		store:       store,
		fates:       fates,
		interval:    interval,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (r *Reconciler) Name() string { return "ledger-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("ledger reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	batches, err := r.store.ListUncommittedBatches(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list uncommitted batches failed")
		return
	}

	now := time.Now()
	for _, batch := range batches {
		if !r.shouldAttempt(batch.ID, now) {
			continue
		}

		if batch.Status == ledger.BatchChainSubmitted {
			var ok bool
			if batch, ok = r.resolveFate(ctx, batch); !ok {
				continue
			}
		}

		if _, err := r.store.CommitMintBatch(ctx, batch.ID); err != nil {
			r.log.WithError(err).Warnf("commit batch %s failed", batch.ID)
			metrics.RecordReconcilerCommit(false)
			r.scheduleNext(batch.ID, 0)
			continue
		}

		r.log.WithField("tx_ref", batch.TxRef).Infof("batch %s committed by reconciler", batch.ID)
		metrics.RecordReconcilerCommit(true)
		r.clearSchedule(batch.ID)
	}
}

// resolveFate settles a batch whose mint was broadcast but never confirmed.
// Returns the updated batch and whether it is now ready to commit.
func (r *Reconciler) resolveFate(ctx context.Context, batch ledger.MintBatch) (ledger.MintBatch, bool) {
	if r.fates == nil {
		return batch, false
	}

	fate, err := r.fates.LookupTxFate(ctx, batch.TxRef)
	if err != nil {
		r.log.WithError(err).Warnf("look up tx fate for batch %s failed", batch.ID)
		r.scheduleNext(batch.ID, 0)
		return batch, false
	}

	switch fate {
	case chain.TxConfirmed:
		batch.Status = ledger.BatchChainConfirmed
		batch.FailureReason = ""
		updated, err := r.store.UpdateMintBatch(ctx, batch)
		if err != nil {
			r.log.WithError(err).Warnf("record confirmation for batch %s failed", batch.ID)
			r.scheduleNext(batch.ID, 0)
			return batch, false
		}
		r.log.WithField("tx_ref", batch.TxRef).Infof("batch %s confirmed by reconciler", batch.ID)
		return updated, true
	case chain.TxFaulted:
		batch.Status = ledger.BatchFailed
		batch.FailureReason = "execution faulted"
		if _, err := r.store.UpdateMintBatch(ctx, batch); err != nil {
			r.log.WithError(err).Warnf("record fault for batch %s failed", batch.ID)
			r.scheduleNext(batch.ID, 0)
			return batch, false
		}
		r.log.WithField("tx_ref", batch.TxRef).Warnf("batch %s faulted on-chain", batch.ID)
		metrics.RecordMintBatch(string(ledger.BatchFailed), 0)
		r.clearSchedule(batch.ID)
		return batch, false
	default:
		// Still pending; the transaction may land in a later block.
		r.scheduleNext(batch.ID, 0)
		return batch, false
	}
}

func (r *Reconciler) shouldAttempt(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAttempt[id]
	return !ok || now.After(next)
}

func (r *Reconciler) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = r.interval
	}
	r.mu.Lock()
	r.nextAttempt[id] = time.Now().Add(after)
	r.mu.Unlock()
}

func (r *Reconciler) clearSchedule(id string) {
	r.mu.Lock()
	delete(r.nextAttempt, id)
	r.mu.Unlock()
}

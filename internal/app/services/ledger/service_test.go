package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage/memory"
	"github.com/omsu-chain/campuscoin/internal/chain"
)

var adminActor = user.Actor{UserID: "admin", Role: user.RoleAdmin}

type fakeMinter struct {
	mu      sync.Mutex
	calls   int
	receipt *chain.MintReceipt
	err     error
}

func (m *fakeMinter) BatchMint(_ context.Context, _ []chain.Recipient) (*chain.MintReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.receipt != nil {
		return m.receipt, nil
	}
	return &chain.MintReceipt{TxRef: fmt.Sprintf("0xtx%d", m.calls)}, nil
}

func (m *fakeMinter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fixture struct {
	store  *memory.Store
	minter *fakeMinter
	svc    *Service
	act    activity.Activity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	minter := &fakeMinter{}
	svc := New(store, store, store, store, minter, nil)

	act, err := store.CreateActivity(context.Background(), activity.Activity{
		Title: "Hackathon", Tokens: 50, Date: time.Now(), Status: activity.StatusCompleted, CreatedBy: "admin",
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	return &fixture{store: store, minter: minter, svc: svc, act: act}
}

// addStudent creates an active student. Wallet and registration status are
// controlled so validation paths can be exercised.
func (f *fixture) addStudent(t *testing.T, id, wallet string, regStatus activity.RegistrationStatus) user.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), user.User{
		ID: id, Name: id, Surname: id, StudentID: "sid-" + id, Email: id + "@uni.test",
		WalletAddress: wallet, Role: user.RoleStudent, Status: user.StatusActive,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	if regStatus != "" {
		if _, err := f.store.CreateRegistration(context.Background(), activity.Registration{
			UserID: id, ActivityID: f.act.ID, Status: regStatus,
		}); err != nil {
			t.Fatalf("create registration for %s: %v", id, err)
		}
	}
	return u
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u.Balance
}

func (f *fixture) entrySum(t *testing.T, id string) int64 {
	t.Helper()
	sum, err := f.store.SumEntriesByUser(context.Background(), id)
	if err != nil {
		t.Fatalf("sum entries for %s: %v", id, err)
	}
	return sum
}

func TestCreditForActivityCommitsBatch(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		f.addStudent(t, id, "N"+id, activity.RegistrationConfirmed)
	}

	result, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID,
		UserIDs:    []string{"s1", "s2", "s3"},
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if result.Batch.Status != ledger.BatchCommitted {
		t.Fatalf("batch status = %s, want committed", result.Batch.Status)
	}
	if result.Batch.TxRef == "" {
		t.Fatal("committed batch without tx ref")
	}
	if len(result.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(result.Entries))
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		if got := f.balance(t, id); got != 50 {
			t.Fatalf("balance of %s = %d, want 50", id, got)
		}
		if f.balance(t, id) != f.entrySum(t, id) {
			t.Fatalf("balance of %s diverges from ledger", id)
		}
	}
}

func TestCreditForActivityIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)

	in := CreditInput{ActivityID: f.act.ID, UserIDs: []string{"s1"}}

	first, err := f.svc.CreditForActivity(context.Background(), adminActor, in)
	if err != nil {
		t.Fatalf("first credit: %v", err)
	}

	second, err := f.svc.CreditForActivity(context.Background(), adminActor, in)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if second.Batch.ID != first.Batch.ID {
		t.Fatalf("replay created a new batch: %s vs %s", second.Batch.ID, first.Batch.ID)
	}
	if f.minter.callCount() != 1 {
		t.Fatalf("minter called %d times, want 1", f.minter.callCount())
	}
	if got := f.balance(t, "s1"); got != 50 {
		t.Fatalf("balance = %d after replay, want 50", got)
	}

	// Reordered user ids derive the same key.
	f.addStudent(t, "s2", "Ns2", activity.RegistrationConfirmed)
	a, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s2", "s1"},
	})
	if err != nil {
		t.Fatalf("credit pair: %v", err)
	}
	b, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s1", "s2"},
	})
	if err != nil {
		t.Fatalf("credit pair reordered: %v", err)
	}
	if a.Batch.ID != b.Batch.ID {
		t.Fatal("recipient order changed the derived idempotency key")
	}
}

func TestCreditForActivityRejectsInvalidRecipients(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "ok", "Nok", activity.RegistrationConfirmed)
	f.addStudent(t, "nowallet", "", activity.RegistrationConfirmed)
	f.addStudent(t, "unconfirmed", "Nunc", activity.RegistrationRegistered)

	_, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID,
		UserIDs:    []string{"ok", "nowallet", "unconfirmed", "ghost"},
	})

	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.MissingAccounts) != 1 || verr.MissingAccounts[0] != "ghost" {
		t.Fatalf("missing accounts = %v", verr.MissingAccounts)
	}
	if len(verr.MissingWallets) != 1 || verr.MissingWallets[0] != "nowallet" {
		t.Fatalf("missing wallets = %v", verr.MissingWallets)
	}
	if len(verr.NotConfirmed) != 1 || verr.NotConfirmed[0] != "unconfirmed" {
		t.Fatalf("not confirmed = %v", verr.NotConfirmed)
	}

	// Nothing was minted or written for the valid member either.
	if f.minter.callCount() != 0 {
		t.Fatal("minter called despite validation failure")
	}
	if got := f.balance(t, "ok"); got != 0 {
		t.Fatalf("balance of valid member = %d, want 0", got)
	}
}

func TestCreditForActivityChainFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	f.minter.err = fmt.Errorf("%w: insufficient GAS", chain.ErrGasEstimation)

	_, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s1"},
	})
	if !errors.Is(err, chain.ErrGasEstimation) {
		t.Fatalf("expected gas estimation error, got %v", err)
	}

	if got := f.balance(t, "s1"); got != 0 {
		t.Fatalf("balance = %d after failed mint, want 0", got)
	}
	if sum := f.entrySum(t, "s1"); sum != 0 {
		t.Fatalf("entry sum = %d after failed mint, want 0", sum)
	}

	batches, err := f.store.ListUncommittedBatches(context.Background())
	if err != nil {
		t.Fatalf("list uncommitted: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("failed batch left for reconciler: %+v", batches)
	}
}

func TestCreditForActivityRetriesAfterSubmissionFailure(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	f.minter.err = fmt.Errorf("%w: insufficient GAS", chain.ErrGasEstimation)

	in := CreditInput{ActivityID: f.act.ID, UserIDs: []string{"s1"}}
	first, err := f.svc.CreditForActivity(context.Background(), adminActor, in)
	if !errors.Is(err, chain.ErrGasEstimation) {
		t.Fatalf("expected gas estimation error, got %v", err)
	}

	// Nothing reached the chain, so the identical request must mint once the
	// node recovers, reusing the stored batch row.
	f.minter.err = nil
	second, err := f.svc.CreditForActivity(context.Background(), adminActor, in)
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if second.Batch.ID != first.Batch.ID {
		t.Fatalf("retry created a new batch: %s vs %s", second.Batch.ID, first.Batch.ID)
	}
	if second.Batch.Status != ledger.BatchCommitted {
		t.Fatalf("batch status = %s after retry, want committed", second.Batch.Status)
	}
	if second.Batch.FailureReason != "" {
		t.Fatalf("failure reason %q survived the retry", second.Batch.FailureReason)
	}
	if f.minter.callCount() != 2 {
		t.Fatalf("minter called %d times, want 2", f.minter.callCount())
	}
	if got := f.balance(t, "s1"); got != 50 {
		t.Fatalf("balance = %d after retry, want 50", got)
	}
}

func TestCreditForActivityDoesNotRetryFaultedBatch(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)

	// A batch that faulted during on-chain execution keeps its key blocked.
	if _, err := f.store.CreateMintBatch(context.Background(), ledger.MintBatch{
		ActivityID:     f.act.ID,
		IdempotencyKey: "faulted-1",
		UserIDs:        []string{"s1"},
		AmountEach:     50,
		Status:         ledger.BatchFailed,
		TxRef:          "0xfault",
		FailureReason:  "execution faulted",
	}); err != nil {
		t.Fatalf("seed faulted batch: %v", err)
	}

	_, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s1"}, IdempotencyKey: "faulted-1",
	})
	if !errors.Is(err, ledger.ErrBatchFailed) {
		t.Fatalf("expected ErrBatchFailed, got %v", err)
	}
	if f.minter.callCount() != 0 {
		t.Fatal("minter called for a faulted batch replay")
	}
	if got := f.balance(t, "s1"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
}

func TestCreditForActivityConfirmationTimeoutStaysInFlight(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	f.minter.err = &chain.ConfirmationError{TxRef: "0xpending", Err: chain.ErrConfirmationTimeout}

	result, err := f.svc.CreditForActivity(context.Background(), adminActor, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s1"},
	})
	if err != nil {
		t.Fatalf("credit with pending confirmation: %v", err)
	}
	if !result.Pending() {
		t.Fatalf("batch status = %s, want in flight", result.Batch.Status)
	}
	if result.Batch.TxRef != "0xpending" {
		t.Fatalf("tx ref = %s, want 0xpending", result.Batch.TxRef)
	}
	if got := f.balance(t, "s1"); got != 0 {
		t.Fatalf("balance = %d before confirmation, want 0", got)
	}
}

func TestCreditForActivityRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	student := user.Actor{UserID: "s1", Role: user.RoleStudent}

	_, err := f.svc.CreditForActivity(context.Background(), student, CreditInput{
		ActivityID: f.act.ID, UserIDs: []string{"s1"},
	})
	if !errors.Is(err, user.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func creditStudent(t *testing.T, f *fixture, id string, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		batch, err := f.store.CreateMintBatch(context.Background(), ledger.MintBatch{
			ActivityID:     f.act.ID,
			IdempotencyKey: fmt.Sprintf("seed:%s:%d", id, i),
			UserIDs:        []string{id},
			AmountEach:     f.act.Tokens,
			Status:         ledger.BatchChainConfirmed,
			TxRef:          "0xseed",
		})
		if err != nil {
			t.Fatalf("seed batch: %v", err)
		}
		if _, err := f.store.CommitMintBatch(context.Background(), batch.ID); err != nil {
			t.Fatalf("seed commit: %v", err)
		}
	}
}

func TestDebitForPurchase(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	creditStudent(t, f, "s1", 2) // balance 100

	rw, err := f.store.CreateReward(context.Background(), reward.Reward{
		Title: "Hoodie", TokenCost: 80, Status: reward.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}

	actor := user.Actor{UserID: "s1", Role: user.RoleStudent}
	entry, balance, err := f.svc.DebitForPurchase(context.Background(), actor, rw.ID)
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if balance != 20 {
		t.Fatalf("balance = %d, want 20", balance)
	}
	if entry.Amount != -80 || entry.Kind != ledger.KindRewardPurchase {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	// 20 < 80: second purchase must fail without side effects.
	if _, _, err := f.svc.DebitForPurchase(context.Background(), actor, rw.ID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := f.balance(t, "s1"); got != 20 {
		t.Fatalf("balance changed by failed purchase: %d", got)
	}
	if f.balance(t, "s1") != f.entrySum(t, "s1") {
		t.Fatal("balance diverges from ledger after purchases")
	}
}

func TestConcurrentPurchaseOfLastItem(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	f.addStudent(t, "s2", "Ns2", activity.RegistrationConfirmed)
	creditStudent(t, f, "s1", 1)
	creditStudent(t, f, "s2", 1)

	one := 1
	rw, err := f.store.CreateReward(context.Background(), reward.Reward{
		Title: "Last ticket", TokenCost: 10, Quantity: &one, Status: reward.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _, results[i] = f.svc.DebitForPurchase(context.Background(), user.Actor{UserID: id, Role: user.RoleStudent}, rw.ID)
		}(i, id)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ledger.ErrOutOfStock) {
			t.Fatalf("unexpected purchase error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("%d purchases succeeded for quantity 1, want exactly 1", successes)
	}

	got, err := f.store.GetReward(context.Background(), rw.ID)
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if got.Quantity == nil || *got.Quantity != 0 {
		t.Fatalf("remaining quantity = %v, want 0", got.Quantity)
	}
}

func TestHistoryAccessControl(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	f.addStudent(t, "s2", "Ns2", activity.RegistrationConfirmed)
	creditStudent(t, f, "s1", 1)

	self := user.Actor{UserID: "s1", Role: user.RoleStudent}
	entries, err := f.svc.History(context.Background(), self, "s1", 0)
	if err != nil {
		t.Fatalf("own history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	if _, err := f.svc.History(context.Background(), self, "s2", 0); !errors.Is(err, user.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign history, got %v", err)
	}
	if _, err := f.svc.History(context.Background(), adminActor, "s1", 0); err != nil {
		t.Fatalf("admin history: %v", err)
	}
}

func TestAuditDetectsDrift(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)
	creditStudent(t, f, "s1", 1)

	report, err := f.svc.Audit(context.Background(), adminActor, "s1")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Consistent || report.Balance != 50 || report.EntrySum != 50 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReconcilerCommitsStuckBatch(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)

	// A crash between chain confirmation and ledger commit leaves this state.
	batch, err := f.store.CreateMintBatch(context.Background(), ledger.MintBatch{
		ActivityID:     f.act.ID,
		IdempotencyKey: "stuck-1",
		UserIDs:        []string{"s1"},
		AmountEach:     50,
		Status:         ledger.BatchChainConfirmed,
		TxRef:          "0xstuck",
	})
	if err != nil {
		t.Fatalf("seed stuck batch: %v", err)
	}

	rec := NewReconciler(f.store, nil, time.Second, nil)
	ctx := context.Background()

	// Drive ticks directly instead of waiting on the ticker.
	for i := 0; i < 2; i++ {
		rec.clearSchedule(batch.ID)
		rec.tick(ctx)
	}

	got, err := f.store.GetMintBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != ledger.BatchCommitted {
		t.Fatalf("batch status = %s, want committed", got.Status)
	}
	if balance := f.balance(t, "s1"); balance != 50 {
		t.Fatalf("balance = %d after two reconciler passes, want 50", balance)
	}
	if sum := f.entrySum(t, "s1"); sum != 50 {
		t.Fatalf("entry sum = %d after two reconciler passes, want 50", sum)
	}
}

type fakeFateChecker struct {
	fate chain.TxFate
	err  error
}

func (f *fakeFateChecker) LookupTxFate(_ context.Context, _ string) (chain.TxFate, error) {
	return f.fate, f.err
}

func TestReconcilerResolvesUnconfirmedSubmission(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)

	// A confirmation timeout leaves the batch submitted with a known tx ref.
	batch, err := f.store.CreateMintBatch(context.Background(), ledger.MintBatch{
		ActivityID:     f.act.ID,
		IdempotencyKey: "timeout-1",
		UserIDs:        []string{"s1"},
		AmountEach:     50,
		Status:         ledger.BatchChainSubmitted,
		TxRef:          "0xlate",
	})
	if err != nil {
		t.Fatalf("seed submitted batch: %v", err)
	}

	checker := &fakeFateChecker{fate: chain.TxPending}
	rec := NewReconciler(f.store, checker, time.Second, nil)
	ctx := context.Background()

	rec.tick(ctx)
	got, err := f.store.GetMintBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != ledger.BatchChainSubmitted {
		t.Fatalf("batch status = %s while tx pending, want chain_submitted", got.Status)
	}

	// The transaction lands in a later block.
	checker.fate = chain.TxConfirmed
	rec.clearSchedule(batch.ID)
	rec.tick(ctx)

	got, err = f.store.GetMintBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != ledger.BatchCommitted {
		t.Fatalf("batch status = %s, want committed", got.Status)
	}
	if balance := f.balance(t, "s1"); balance != 50 {
		t.Fatalf("balance = %d, want 50", balance)
	}
}

func TestReconcilerFailsFaultedSubmission(t *testing.T) {
	f := newFixture(t)
	f.addStudent(t, "s1", "Ns1", activity.RegistrationConfirmed)

	batch, err := f.store.CreateMintBatch(context.Background(), ledger.MintBatch{
		ActivityID:     f.act.ID,
		IdempotencyKey: "fault-1",
		UserIDs:        []string{"s1"},
		AmountEach:     50,
		Status:         ledger.BatchChainSubmitted,
		TxRef:          "0xfault",
	})
	if err != nil {
		t.Fatalf("seed submitted batch: %v", err)
	}

	rec := NewReconciler(f.store, &fakeFateChecker{fate: chain.TxFaulted}, time.Second, nil)
	rec.tick(context.Background())

	got, err := f.store.GetMintBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != ledger.BatchFailed {
		t.Fatalf("batch status = %s, want failed", got.Status)
	}
	if balance := f.balance(t, "s1"); balance != 0 {
		t.Fatalf("balance = %d after faulted mint, want 0", balance)
	}
}

func TestReconcilerLifecycle(t *testing.T) {
	f := newFixture(t)
	rec := NewReconciler(f.store, nil, 10*time.Millisecond, nil)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rec.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := rec.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

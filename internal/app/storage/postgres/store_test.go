package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/platform/migrations"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	store := New(db)

	admin, err := store.CreateUser(ctx, user.User{
		Name: "Admin", Surname: "Admin", StudentID: "admin-" + time.Now().Format("150405.000"),
		Email: "admin-" + time.Now().Format("150405.000") + "@test.local",
		Role:  user.RoleAdmin, Status: user.StatusActive,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}

	student, err := store.CreateUser(ctx, user.User{
		Name: "Student", Surname: "One", StudentID: "st-" + time.Now().Format("150405.000"),
		Email:         "st-" + time.Now().Format("150405.000") + "@test.local",
		WalletAddress: "NVfJmDwdMtLAvGAPgyUKGYGiDMtrM2mv6G",
		Role:          user.RoleStudent, Status: user.StatusActive,
	})
	if err != nil {
		t.Fatalf("create student: %v", err)
	}

	if _, err := store.CreateUser(ctx, user.User{
		Name: "Dup", Surname: "Dup", StudentID: student.StudentID,
		Email: "dup-" + student.Email, Role: user.RoleStudent, Status: user.StatusActive,
	}); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey for duplicate student id, got %v", err)
	}

	act, err := store.CreateActivity(ctx, activity.Activity{
		Title: "Hackathon", Tokens: 50, Date: time.Now().UTC(),
		Status: activity.StatusOpen, CreatedBy: admin.ID,
	})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}

	reg, err := store.CreateRegistration(ctx, activity.Registration{
		UserID: student.ID, ActivityID: act.ID, Status: activity.RegistrationRegistered,
	})
	if err != nil {
		t.Fatalf("create registration: %v", err)
	}
	reg.Status = activity.RegistrationConfirmed
	if _, err := store.UpdateRegistration(ctx, reg); err != nil {
		t.Fatalf("confirm registration: %v", err)
	}

	batch, err := store.CreateMintBatch(ctx, ledger.MintBatch{
		ActivityID:     act.ID,
		IdempotencyKey: "test-" + act.ID,
		UserIDs:        []string{student.ID},
		AmountEach:     50,
		Status:         ledger.BatchChainConfirmed,
		TxRef:          "0xabc",
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	entries, err := store.CommitMintBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("commit batch: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != 50 {
		t.Fatalf("unexpected entries after commit: %+v", entries)
	}

	// A second commit is a no-op returning the original entries.
	again, err := store.CommitMintBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("recommit batch: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("recommit wrote extra entries: %+v", again)
	}

	got, err := store.GetUser(ctx, student.ID)
	if err != nil {
		t.Fatalf("get student: %v", err)
	}
	if got.Balance != 50 {
		t.Fatalf("balance = %d, want 50", got.Balance)
	}

	one := 1
	rw, err := store.CreateReward(ctx, reward.Reward{
		Title: "Sticker pack", TokenCost: 30, Quantity: &one, Status: reward.StatusAvailable,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}

	_, balance, err := store.ApplyPurchase(ctx, ledger.Entry{
		UserID: student.ID, RewardID: rw.ID, Amount: -30, Description: rw.Title,
	})
	if err != nil {
		t.Fatalf("apply purchase: %v", err)
	}
	if balance != 20 {
		t.Fatalf("balance after purchase = %d, want 20", balance)
	}

	if _, _, err := store.ApplyPurchase(ctx, ledger.Entry{
		UserID: student.ID, RewardID: rw.ID, Amount: -30,
	}); !errors.Is(err, ledger.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}

	sum, err := store.SumEntriesByUser(ctx, student.ID)
	if err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	if sum != 20 {
		t.Fatalf("entry sum = %d, want 20 (balance invariant)", sum)
	}
}

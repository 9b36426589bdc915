// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, storage.ErrDuplicateKey)
	}
	return err
}

// --- UserStore --------------------------------------------------------------

const userColumns = `id, name, surname, student_id, email, pseudonym, faculty, wallet_address, password_hash, role, status, balance, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, u.ID, u.Name, u.Surname, u.StudentID, u.Email, u.Pseudonym, u.Faculty, u.WalletAddress,
		u.PasswordHash, u.Role, u.Status, u.Balance, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	existing, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	// Identity and balance are not updatable through this path.
	u.Email = existing.Email
	u.StudentID = existing.StudentID
	u.Balance = existing.Balance
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET name = $2, surname = $3, pseudonym = $4, faculty = $5, wallet_address = $6,
		    password_hash = $7, role = $8, status = $9, updated_at = $10
		WHERE id = $1
	`, u.ID, u.Name, u.Surname, u.Pseudonym, u.Faculty, u.WalletAddress,
		u.PasswordHash, u.Role, u.Status, u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func scanUser(row interface{ Scan(...any) error }) (user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Name, &u.Surname, &u.StudentID, &u.Email, &u.Pseudonym, &u.Faculty,
		&u.WalletAddress, &u.PasswordHash, &u.Role, &u.Status, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return user.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM app_users WHERE id = $1
	`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM app_users WHERE lower(email) = lower($1)
	`, email))
}

func (s *Store) GetUserByStudentID(ctx context.Context, studentID string) (user.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM app_users WHERE student_id = $1
	`, studentID))
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]user.User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM app_users
		ORDER BY created_at
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]user.User, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM app_users
		WHERE role = 'student'
		ORDER BY balance DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- ActivityStore ----------------------------------------------------------

func (s *Store) CreateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	act.CreatedAt = now
	act.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_activities (id, title, description, tokens, date, location, status, max_participants, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, act.ID, act.Title, act.Description, act.Tokens, act.Date, act.Location, act.Status,
		toNullInt(act.MaxParticipants), act.CreatedBy, act.CreatedAt, act.UpdatedAt)
	if err != nil {
		return activity.Activity{}, mapErr(err)
	}
	return act, nil
}

func (s *Store) UpdateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	existing, err := s.GetActivity(ctx, act.ID)
	if err != nil {
		return activity.Activity{}, err
	}
	act.CreatedBy = existing.CreatedBy
	act.CreatedAt = existing.CreatedAt
	act.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_activities
		SET title = $2, description = $3, tokens = $4, date = $5, location = $6, status = $7,
		    max_participants = $8, updated_at = $9
		WHERE id = $1
	`, act.ID, act.Title, act.Description, act.Tokens, act.Date, act.Location, act.Status,
		toNullInt(act.MaxParticipants), act.UpdatedAt)
	if err != nil {
		return activity.Activity{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return activity.Activity{}, storage.ErrNotFound
	}
	return act, nil
}

func scanActivity(row interface{ Scan(...any) error }) (activity.Activity, error) {
	var (
		act activity.Activity
		max sql.NullInt64
	)
	err := row.Scan(&act.ID, &act.Title, &act.Description, &act.Tokens, &act.Date, &act.Location,
		&act.Status, &max, &act.CreatedBy, &act.CreatedAt, &act.UpdatedAt)
	if err != nil {
		return activity.Activity{}, mapErr(err)
	}
	if max.Valid {
		v := int(max.Int64)
		act.MaxParticipants = &v
	}
	return act, nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (activity.Activity, error) {
	return scanActivity(s.db.QueryRowContext(ctx, `
		SELECT id, title, description, tokens, date, location, status, max_participants, created_by, created_at, updated_at
		FROM app_activities
		WHERE id = $1
	`, id))
}

func (s *Store) ListActivities(ctx context.Context, status activity.Status, offset, limit int) ([]activity.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, tokens, date, location, status, max_participants, created_by, created_at, updated_at
		FROM app_activities
		WHERE $1 = '' OR status = $1
		ORDER BY date DESC
		OFFSET $2 LIMIT $3
	`, string(status), offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []activity.Activity
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, act)
	}
	return result, rows.Err()
}

func (s *Store) CreateRegistration(ctx context.Context, reg activity.Registration) (activity.Registration, error) {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	reg.CreatedAt = now
	reg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_registrations (id, user_id, activity_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reg.ID, reg.UserID, reg.ActivityID, reg.Status, reg.CreatedAt, reg.UpdatedAt)
	if err != nil {
		return activity.Registration{}, mapErr(err)
	}
	return reg, nil
}

func (s *Store) UpdateRegistration(ctx context.Context, reg activity.Registration) (activity.Registration, error) {
	existing, err := s.GetRegistration(ctx, reg.ID)
	if err != nil {
		return activity.Registration{}, err
	}
	reg.UserID = existing.UserID
	reg.ActivityID = existing.ActivityID
	reg.CreatedAt = existing.CreatedAt
	reg.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_registrations
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, reg.ID, reg.Status, reg.UpdatedAt)
	if err != nil {
		return activity.Registration{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return activity.Registration{}, storage.ErrNotFound
	}
	return reg, nil
}

func scanRegistration(row interface{ Scan(...any) error }) (activity.Registration, error) {
	var reg activity.Registration
	err := row.Scan(&reg.ID, &reg.UserID, &reg.ActivityID, &reg.Status, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return activity.Registration{}, mapErr(err)
	}
	return reg, nil
}

func (s *Store) GetRegistration(ctx context.Context, id string) (activity.Registration, error) {
	return scanRegistration(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, activity_id, status, created_at, updated_at
		FROM app_registrations
		WHERE id = $1
	`, id))
}

func (s *Store) FindRegistration(ctx context.Context, userID, activityID string) (activity.Registration, error) {
	return scanRegistration(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, activity_id, status, created_at, updated_at
		FROM app_registrations
		WHERE user_id = $1 AND activity_id = $2
	`, userID, activityID))
}

func (s *Store) listRegistrations(ctx context.Context, where string, arg any) ([]activity.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, activity_id, status, created_at, updated_at
		FROM app_registrations
		WHERE `+where+`
		ORDER BY created_at
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []activity.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, reg)
	}
	return result, rows.Err()
}

func (s *Store) ListRegistrationsByUser(ctx context.Context, userID string) ([]activity.Registration, error) {
	return s.listRegistrations(ctx, "user_id = $1", userID)
}

func (s *Store) ListRegistrationsByActivity(ctx context.Context, activityID string) ([]activity.Registration, error) {
	return s.listRegistrations(ctx, "activity_id = $1", activityID)
}

func (s *Store) ListParticipants(ctx context.Context, activityID string) ([]activity.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.status, u.id, u.name, u.surname, u.student_id, u.pseudonym, u.email, u.faculty, u.wallet_address
		FROM app_registrations r
		JOIN app_users u ON u.id = r.user_id
		WHERE r.activity_id = $1
		ORDER BY r.created_at
	`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []activity.Participant
	for rows.Next() {
		var p activity.Participant
		if err := rows.Scan(&p.RegistrationID, &p.RegistrationStatus, &p.UserID, &p.Name, &p.Surname,
			&p.StudentID, &p.Pseudonym, &p.Email, &p.Faculty, &p.WalletAddress); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) CountRegistrations(ctx context.Context, activityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM app_registrations
		WHERE activity_id = $1 AND status <> 'rejected'
	`, activityID).Scan(&count)
	return count, err
}

// --- RewardStore ------------------------------------------------------------

func (s *Store) CreateReward(ctx context.Context, rw reward.Reward) (reward.Reward, error) {
	if rw.ID == "" {
		rw.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rw.CreatedAt = now
	rw.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_rewards (id, title, description, token_cost, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rw.ID, rw.Title, rw.Description, rw.TokenCost, toNullInt(rw.Quantity), rw.Status, rw.CreatedAt, rw.UpdatedAt)
	if err != nil {
		return reward.Reward{}, mapErr(err)
	}
	return rw, nil
}

func (s *Store) UpdateReward(ctx context.Context, rw reward.Reward) (reward.Reward, error) {
	existing, err := s.GetReward(ctx, rw.ID)
	if err != nil {
		return reward.Reward{}, err
	}
	rw.CreatedAt = existing.CreatedAt
	rw.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_rewards
		SET title = $2, description = $3, token_cost = $4, quantity = $5, status = $6, updated_at = $7
		WHERE id = $1
	`, rw.ID, rw.Title, rw.Description, rw.TokenCost, toNullInt(rw.Quantity), rw.Status, rw.UpdatedAt)
	if err != nil {
		return reward.Reward{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return reward.Reward{}, storage.ErrNotFound
	}
	return rw, nil
}

func scanReward(row interface{ Scan(...any) error }) (reward.Reward, error) {
	var (
		rw  reward.Reward
		qty sql.NullInt64
	)
	err := row.Scan(&rw.ID, &rw.Title, &rw.Description, &rw.TokenCost, &qty, &rw.Status, &rw.CreatedAt, &rw.UpdatedAt)
	if err != nil {
		return reward.Reward{}, mapErr(err)
	}
	if qty.Valid {
		v := int(qty.Int64)
		rw.Quantity = &v
	}
	return rw, nil
}

func (s *Store) GetReward(ctx context.Context, id string) (reward.Reward, error) {
	return scanReward(s.db.QueryRowContext(ctx, `
		SELECT id, title, description, token_cost, quantity, status, created_at, updated_at
		FROM app_rewards
		WHERE id = $1
	`, id))
}

func (s *Store) ListRewards(ctx context.Context, status reward.Status) ([]reward.Reward, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, token_cost, quantity, status, created_at, updated_at
		FROM app_rewards
		WHERE $1 = '' OR status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reward.Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rw)
	}
	return result, rows.Err()
}

// --- LedgerStore ------------------------------------------------------------

const batchColumns = `id, activity_id, idempotency_key, user_ids, amount_each, note, status, tx_ref, failure_reason, created_at, updated_at`

func (s *Store) CreateMintBatch(ctx context.Context, b ledger.MintBatch) (ledger.MintBatch, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	userIDsJSON, err := json.Marshal(b.UserIDs)
	if err != nil {
		return ledger.MintBatch{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_mint_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, b.ID, b.ActivityID, b.IdempotencyKey, userIDsJSON, b.AmountEach, b.Note, b.Status,
		b.TxRef, b.FailureReason, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return ledger.MintBatch{}, mapErr(err)
	}
	return b, nil
}

func (s *Store) UpdateMintBatch(ctx context.Context, b ledger.MintBatch) (ledger.MintBatch, error) {
	existing, err := s.GetMintBatch(ctx, b.ID)
	if err != nil {
		return ledger.MintBatch{}, err
	}
	b.ActivityID = existing.ActivityID
	b.IdempotencyKey = existing.IdempotencyKey
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	userIDsJSON, err := json.Marshal(b.UserIDs)
	if err != nil {
		return ledger.MintBatch{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE app_mint_batches
		SET user_ids = $2, amount_each = $3, note = $4, status = $5, tx_ref = $6, failure_reason = $7, updated_at = $8
		WHERE id = $1
	`, b.ID, userIDsJSON, b.AmountEach, b.Note, b.Status, b.TxRef, b.FailureReason, b.UpdatedAt)
	if err != nil {
		return ledger.MintBatch{}, mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ledger.MintBatch{}, storage.ErrNotFound
	}
	return b, nil
}

func scanBatch(row interface{ Scan(...any) error }) (ledger.MintBatch, error) {
	var (
		b          ledger.MintBatch
		userIDsRaw []byte
	)
	err := row.Scan(&b.ID, &b.ActivityID, &b.IdempotencyKey, &userIDsRaw, &b.AmountEach, &b.Note,
		&b.Status, &b.TxRef, &b.FailureReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return ledger.MintBatch{}, mapErr(err)
	}
	if len(userIDsRaw) > 0 {
		_ = json.Unmarshal(userIDsRaw, &b.UserIDs)
	}
	return b, nil
}

func (s *Store) GetMintBatch(ctx context.Context, id string) (ledger.MintBatch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM app_mint_batches WHERE id = $1
	`, id))
}

func (s *Store) GetMintBatchByKey(ctx context.Context, key string) (ledger.MintBatch, error) {
	return scanBatch(s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM app_mint_batches WHERE idempotency_key = $1
	`, key))
}

func (s *Store) ListUncommittedBatches(ctx context.Context) ([]ledger.MintBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM app_mint_batches
		WHERE status = 'chain_confirmed'
		   OR (status = 'chain_submitted' AND tx_ref <> '')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.MintBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) CountBatchesByActivity(ctx context.Context, activityID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM app_mint_batches
		WHERE activity_id = $1 AND status <> 'failed'
	`, activityID).Scan(&count)
	return count, err
}

// CommitMintBatch credits every batch member inside one transaction. The batch
// row is locked first so a concurrent reconciler run sees either the
// pre-commit or the post-commit state, never a partial one.
func (s *Store) CommitMintBatch(ctx context.Context, batchID string) ([]ledger.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := scanBatch(tx.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM app_mint_batches WHERE id = $1 FOR UPDATE
	`, batchID))
	if err != nil {
		return nil, err
	}

	if b.Status == ledger.BatchCommitted {
		entries, err := listEntries(ctx, tx, "batch_id = $1", batchID, 0)
		if err != nil {
			return nil, err
		}
		return entries, tx.Commit()
	}
	if b.Status != ledger.BatchChainConfirmed {
		return nil, fmt.Errorf("mint batch %s in status %s: %w", batchID, b.Status, ledger.ErrNotCommittable)
	}

	now := time.Now().UTC()
	created := make([]ledger.Entry, 0, len(b.UserIDs))
	for _, userID := range b.UserIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE app_users SET balance = balance + $2, updated_at = $3 WHERE id = $1
		`, userID, b.AmountEach, now)
		if err != nil {
			return nil, mapErr(err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
		}

		entry := ledger.Entry{
			ID:          uuid.NewString(),
			UserID:      userID,
			Amount:      b.AmountEach,
			Kind:        ledger.KindActivityReward,
			ActivityID:  b.ActivityID,
			BatchID:     b.ID,
			TxRef:       b.TxRef,
			Description: b.Note,
			CreatedAt:   now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
		created = append(created, entry)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE app_mint_batches SET status = $2, updated_at = $3 WHERE id = $1
	`, b.ID, ledger.BatchCommitted, now)
	if err != nil {
		return nil, mapErr(err)
	}

	return created, tx.Commit()
}

// ApplyPurchase re-reads the buyer and the reward under row locks, then debits
// the balance, decrements tracked stock and appends the ledger entry, all in
// one transaction.
func (s *Store) ApplyPurchase(ctx context.Context, entry ledger.Entry) (ledger.Entry, int64, error) {
	cost := -entry.Amount
	if cost <= 0 {
		return ledger.Entry{}, 0, fmt.Errorf("purchase amount must be a debit")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM app_users WHERE id = $1 FOR UPDATE
	`, entry.UserID).Scan(&balance)
	if err != nil {
		return ledger.Entry{}, 0, mapErr(err)
	}

	var (
		qty    sql.NullInt64
		status reward.Status
	)
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, status FROM app_rewards WHERE id = $1 FOR UPDATE
	`, entry.RewardID).Scan(&qty, &status)
	if err != nil {
		return ledger.Entry{}, 0, mapErr(err)
	}

	if status != reward.StatusAvailable {
		return ledger.Entry{}, 0, ledger.ErrRewardUnavailable
	}
	if qty.Valid && qty.Int64 <= 0 {
		return ledger.Entry{}, 0, ledger.ErrOutOfStock
	}
	if balance < cost {
		return ledger.Entry{}, 0, ledger.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	balance -= cost

	_, err = tx.ExecContext(ctx, `
		UPDATE app_users SET balance = $2, updated_at = $3 WHERE id = $1
	`, entry.UserID, balance, now)
	if err != nil {
		return ledger.Entry{}, 0, mapErr(err)
	}

	if qty.Valid {
		_, err = tx.ExecContext(ctx, `
			UPDATE app_rewards SET quantity = quantity - 1, updated_at = $2 WHERE id = $1
		`, entry.RewardID, now)
		if err != nil {
			return ledger.Entry{}, 0, mapErr(err)
		}
	}

	entry.ID = uuid.NewString()
	entry.Kind = ledger.KindRewardPurchase
	entry.CreatedAt = now
	if err := insertEntry(ctx, tx, entry); err != nil {
		return ledger.Entry{}, 0, err
	}

	return entry, balance, tx.Commit()
}

const entryColumns = `id, user_id, amount, kind, activity_id, reward_id, batch_id, tx_ref, description, created_at`

func insertEntry(ctx context.Context, tx *sql.Tx, entry ledger.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO app_ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.Amount, entry.Kind, entry.ActivityID, entry.RewardID,
		entry.BatchID, entry.TxRef, entry.Description, entry.CreatedAt)
	return mapErr(err)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listEntries(ctx context.Context, q querier, where string, arg any, limit int) ([]ledger.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM app_ledger_entries
		WHERE ` + where + `
		ORDER BY created_at DESC`
	args := []any{arg}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		var entry ledger.Entry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Amount, &entry.Kind, &entry.ActivityID,
			&entry.RewardID, &entry.BatchID, &entry.TxRef, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *Store) ListEntriesByUser(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, s.db, "user_id = $1", userID, limit)
}

func (s *Store) ListEntriesByBatch(ctx context.Context, batchID string) ([]ledger.Entry, error) {
	return listEntries(ctx, s.db, "batch_id = $1", batchID, 0)
}

func (s *Store) SumEntriesByUser(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM app_ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

func toNullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

package users

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/app/storage/memory"
)

var testSecret = []byte("test-secret")

func registerStudent(t *testing.T, svc *Service, email, studentID string) user.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		Name:      "Ivan",
		Surname:   "Petrov",
		StudentID: studentID,
		Email:     email,
		Password:  "correct horse",
		Pseudonym: "ivan_p",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return u
}

func TestRegisterAndLogin(t *testing.T) {
	svc := New(memory.New(), testSecret, 0, nil)

	u := registerStudent(t, svc, "ivan@uni.test", "st-100")
	if u.Role != user.RoleStudent || u.Status != user.StatusActive {
		t.Fatalf("unexpected role/status: %s/%s", u.Role, u.Status)
	}
	if u.PasswordHash == "correct horse" {
		t.Fatal("password stored in plain text")
	}

	token, logged, err := svc.Login(context.Background(), "ivan@uni.test", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.ID != u.ID {
		t.Fatalf("logged in as %s, want %s", logged.ID, u.ID)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return testSecret, nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != u.ID || claims.Role != string(user.RoleStudent) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := New(memory.New(), testSecret, 0, nil)
	registerStudent(t, svc, "ivan@uni.test", "st-100")

	if _, _, err := svc.Login(context.Background(), "ivan@uni.test", "wrong"); !errors.Is(err, user.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nobody@uni.test", "correct horse"); !errors.Is(err, user.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	store := memory.New()
	svc := New(store, testSecret, 0, nil)
	u := registerStudent(t, svc, "ivan@uni.test", "st-100")

	admin, err := svc.CreateAdmin(context.Background(), "Root", "Admin", "admin@uni.test", "admin-pass-1")
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	actor := user.Actor{UserID: admin.ID, Role: user.RoleAdmin}
	if _, err := svc.SetStatus(context.Background(), actor, u.ID, user.StatusInactive); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, _, err := svc.Login(context.Background(), "ivan@uni.test", "correct horse"); !errors.Is(err, user.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for inactive account, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := New(memory.New(), testSecret, 0, nil)
	registerStudent(t, svc, "ivan@uni.test", "st-100")

	_, err := svc.Register(context.Background(), RegisterInput{
		Name: "Petr", Surname: "Ivanov", StudentID: "st-101",
		Email: "ivan@uni.test", Password: "another pass",
	})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestProfileAccessControl(t *testing.T) {
	svc := New(memory.New(), testSecret, 0, nil)
	a := registerStudent(t, svc, "a@uni.test", "st-1")
	b := registerStudent(t, svc, "b@uni.test", "st-2")

	actorA := user.Actor{UserID: a.ID, Role: user.RoleStudent}

	if _, err := svc.Get(context.Background(), actorA, b.ID); !errors.Is(err, user.ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading another profile, got %v", err)
	}

	wallet := "NVfJmDwdMtLAvGAPgyUKGYGiDMtrM2mv6G"
	updated, err := svc.UpdateProfile(context.Background(), actorA, a.ID, UpdateProfileInput{WalletAddress: &wallet})
	if err != nil {
		t.Fatalf("update own profile: %v", err)
	}
	if updated.WalletAddress != wallet {
		t.Fatalf("wallet not updated: %+v", updated)
	}

	if _, err := svc.UpdateProfile(context.Background(), actorA, b.ID, UpdateProfileInput{WalletAddress: &wallet}); !errors.Is(err, user.ErrForbidden) {
		t.Fatalf("expected ErrForbidden updating another profile, got %v", err)
	}

	if _, err := svc.List(context.Background(), actorA, 0, 10); !errors.Is(err, user.ErrForbidden) {
		t.Fatalf("expected ErrForbidden listing users as student, got %v", err)
	}
}

func TestLeaderboardUsesPseudonyms(t *testing.T) {
	store := memory.New()
	svc := New(store, testSecret, 0, nil)

	registerStudent(t, svc, "a@uni.test", "st-1")
	if _, err := svc.Register(context.Background(), RegisterInput{
		Name: "No", Surname: "Alias", StudentID: "st-2",
		Email: "b@uni.test", Password: "some password",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	rows, err := svc.Leaderboard(context.Background(), 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.Pseudonym == "" {
			t.Fatalf("leaderboard row without pseudonym: %+v", row)
		}
		if row.Pseudonym == "Ivan" || row.Pseudonym == "Petrov" {
			t.Fatalf("leaderboard leaked real name: %+v", row)
		}
	}
}

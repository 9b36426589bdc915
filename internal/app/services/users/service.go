// Package users manages platform accounts and authentication.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/omsu-chain/campuscoin/internal/app/domain"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// DefaultTokenTTL is how long an issued session token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Service manages accounts, credentials and session tokens.
type Service struct {
	store     storage.UserStore
	log       *logger.Logger
	jwtSecret []byte
	tokenTTL  time.Duration
}

// New constructs a user service. The JWT secret must not be empty. A zero
// tokenTTL falls back to DefaultTokenTTL.
func New(store storage.UserStore, jwtSecret []byte, tokenTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Service{
		store:     store,
		log:       log,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// RegisterInput carries the fields a self-service registration provides.
type RegisterInput struct {
	Name          string
	Surname       string
	StudentID     string
	Email         string
	Password      string
	Pseudonym     string
	Faculty       string
	WalletAddress string
}

// Register creates a student account with a hashed password.
func (s *Service) Register(ctx context.Context, in RegisterInput) (user.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.StudentID = strings.TrimSpace(in.StudentID)

	if in.Name == "" || in.Surname == "" {
		return user.User{}, domain.Invalidf("name and surname are required")
	}
	if in.StudentID == "" {
		return user.User{}, domain.Invalidf("student_id is required")
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return user.User{}, domain.Invalidf("a valid email is required")
	}
	if len(in.Password) < 8 {
		return user.User{}, domain.Invalidf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.CreateUser(ctx, user.User{
		Name:          in.Name,
		Surname:       in.Surname,
		StudentID:     in.StudentID,
		Email:         in.Email,
		Pseudonym:     in.Pseudonym,
		Faculty:       in.Faculty,
		WalletAddress: in.WalletAddress,
		PasswordHash:  string(hash),
		Role:          user.RoleStudent,
		Status:        user.StatusActive,
	})
	if err != nil {
		return user.User{}, err
	}

	s.log.WithField("user_id", created.ID).Info("account registered")
	return created, nil
}

// CreateAdmin creates an administrator account. Used by the bootstrap command,
// not exposed over HTTP.
func (s *Service) CreateAdmin(ctx context.Context, name, surname, email, password string) (user.User, error) {
	if email == "" || len(password) < 8 {
		return user.User{}, domain.Invalidf("email and a password of at least 8 characters are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.CreateUser(ctx, user.User{
		Name:         name,
		Surname:      surname,
		StudentID:    "admin:" + email,
		Email:        email,
		PasswordHash: string(hash),
		Role:         user.RoleAdmin,
		Status:       user.StatusActive,
	})
	if err != nil {
		return user.User{}, err
	}

	s.log.WithField("user_id", created.ID).Info("admin account created")
	return created, nil
}

// Login verifies credentials and issues a signed session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, user.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", user.User{}, user.ErrInvalidCredentials
		}
		return "", user.User{}, err
	}
	if u.Status != user.StatusActive {
		return "", user.User{}, user.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", user.User{}, user.ErrInvalidCredentials
	}

	token, err := s.issueToken(u)
	if err != nil {
		return "", user.User{}, err
	}

	s.log.WithField("user_id", u.ID).Info("login")
	return token, u, nil
}

// Claims are the JWT claims carried by a session token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Service) issueToken(u user.User) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Get returns a user. Students may only read their own account.
func (s *Service) Get(ctx context.Context, actor user.Actor, id string) (user.User, error) {
	if !actor.IsAdmin() && actor.UserID != id {
		return user.User{}, user.ErrForbidden
	}
	return s.store.GetUser(ctx, id)
}

// UpdateProfileInput carries the mutable profile fields. Nil means unchanged.
type UpdateProfileInput struct {
	Name          *string
	Surname       *string
	Pseudonym     *string
	Faculty       *string
	WalletAddress *string
}

// UpdateProfile updates the mutable fields of an account. Students may only
// update their own profile.
func (s *Service) UpdateProfile(ctx context.Context, actor user.Actor, id string, in UpdateProfileInput) (user.User, error) {
	if !actor.IsAdmin() && actor.UserID != id {
		return user.User{}, user.ErrForbidden
	}

	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}

	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Surname != nil {
		u.Surname = *in.Surname
	}
	if in.Pseudonym != nil {
		u.Pseudonym = *in.Pseudonym
	}
	if in.Faculty != nil {
		u.Faculty = *in.Faculty
	}
	if in.WalletAddress != nil {
		u.WalletAddress = *in.WalletAddress
	}

	updated, err := s.store.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	s.log.WithField("user_id", id).Info("profile updated")
	return updated, nil
}

// SetStatus activates or deactivates an account. Admin only.
func (s *Service) SetStatus(ctx context.Context, actor user.Actor, id string, status user.Status) (user.User, error) {
	if !actor.IsAdmin() {
		return user.User{}, user.ErrForbidden
	}
	if status != user.StatusActive && status != user.StatusInactive {
		return user.User{}, domain.Invalidf("unknown status %q", status)
	}

	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	u.Status = status

	updated, err := s.store.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	s.log.WithFields(map[string]interface{}{"user_id": id, "status": status}).Info("account status changed")
	return updated, nil
}

// List returns accounts in creation order. Admin only.
func (s *Service) List(ctx context.Context, actor user.Actor, offset, limit int) ([]user.User, error) {
	if !actor.IsAdmin() {
		return nil, user.ErrForbidden
	}
	return s.store.ListUsers(ctx, offset, limit)
}

// LeaderboardRow is one public leaderboard position. Students appear under
// their pseudonym; accounts without one show a neutral placeholder.
type LeaderboardRow struct {
	Rank      int    `json:"rank"`
	Pseudonym string `json:"pseudonym"`
	Balance   int64  `json:"balance"`
}

// Leaderboard returns the top student balances without exposing identities.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	students, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]LeaderboardRow, 0, len(students))
	for i, u := range students {
		name := u.Pseudonym
		if name == "" {
			name = "anonymous"
		}
		rows = append(rows, LeaderboardRow{Rank: i + 1, Pseudonym: name, Balance: u.Balance})
	}
	return rows, nil
}

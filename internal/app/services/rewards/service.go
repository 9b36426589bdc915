// Package rewards manages the catalog students redeem tokens against.
package rewards

import (
	"context"

	"github.com/omsu-chain/campuscoin/internal/app/domain"
	"github.com/omsu-chain/campuscoin/internal/app/domain/reward"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// Service manages the reward catalog. Stock decrements happen in the ledger
// service during purchase, not here.
type Service struct {
	store storage.RewardStore
	log   *logger.Logger
}

// New constructs a reward service.
func New(store storage.RewardStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	return &Service{store: store, log: log}
}

// CreateInput carries the fields of a new reward. A nil Quantity means
// unlimited stock.
type CreateInput struct {
	Title       string
	Description string
	TokenCost   int64
	Quantity    *int
}

// Create adds a reward to the catalog. Admin only.
func (s *Service) Create(ctx context.Context, actor user.Actor, in CreateInput) (reward.Reward, error) {
	if !actor.IsAdmin() {
		return reward.Reward{}, user.ErrForbidden
	}
	if in.Title == "" {
		return reward.Reward{}, domain.Invalidf("title is required")
	}
	if in.TokenCost <= 0 {
		return reward.Reward{}, domain.Invalidf("token_cost must be positive")
	}
	if in.Quantity != nil && *in.Quantity < 0 {
		return reward.Reward{}, domain.Invalidf("quantity must not be negative")
	}

	created, err := s.store.CreateReward(ctx, reward.Reward{
		Title:       in.Title,
		Description: in.Description,
		TokenCost:   in.TokenCost,
		Quantity:    in.Quantity,
		Status:      reward.StatusAvailable,
	})
	if err != nil {
		return reward.Reward{}, err
	}

	s.log.WithField("reward_id", created.ID).Info("reward created")
	return created, nil
}

// UpdateInput carries the mutable reward fields. Nil means unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	TokenCost   *int64
	Quantity    *int
	Status      *reward.Status
}

// Update modifies a reward. Admin only.
func (s *Service) Update(ctx context.Context, actor user.Actor, id string, in UpdateInput) (reward.Reward, error) {
	if !actor.IsAdmin() {
		return reward.Reward{}, user.ErrForbidden
	}

	rw, err := s.store.GetReward(ctx, id)
	if err != nil {
		return reward.Reward{}, err
	}

	if in.Title != nil {
		rw.Title = *in.Title
	}
	if in.Description != nil {
		rw.Description = *in.Description
	}
	if in.TokenCost != nil {
		if *in.TokenCost <= 0 {
			return reward.Reward{}, domain.Invalidf("token_cost must be positive")
		}
		rw.TokenCost = *in.TokenCost
	}
	if in.Quantity != nil {
		if *in.Quantity < 0 {
			return reward.Reward{}, domain.Invalidf("quantity must not be negative")
		}
		rw.Quantity = in.Quantity
	}
	if in.Status != nil {
		switch *in.Status {
		case reward.StatusAvailable, reward.StatusUnavailable:
			rw.Status = *in.Status
		default:
			return reward.Reward{}, domain.Invalidf("unknown status %q", *in.Status)
		}
	}

	updated, err := s.store.UpdateReward(ctx, rw)
	if err != nil {
		return reward.Reward{}, err
	}
	s.log.WithField("reward_id", id).Info("reward updated")
	return updated, nil
}

// Get returns one reward.
func (s *Service) Get(ctx context.Context, id string) (reward.Reward, error) {
	return s.store.GetReward(ctx, id)
}

// List returns the catalog. Students see only available rewards; admins see
// everything when status is empty.
func (s *Service) List(ctx context.Context, actor user.Actor, status reward.Status) ([]reward.Reward, error) {
	if !actor.IsAdmin() {
		status = reward.StatusAvailable
	}
	return s.store.ListRewards(ctx, status)
}

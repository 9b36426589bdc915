// Package activities manages events and the registration review flow.
package activities

import (
	"context"
	"errors"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/domain"
	"github.com/omsu-chain/campuscoin/internal/app/domain/activity"
	"github.com/omsu-chain/campuscoin/internal/app/domain/user"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// Service manages activities and registrations.
type Service struct {
	store  storage.ActivityStore
	ledger storage.LedgerStore
	log    *logger.Logger
}

// New constructs an activity service. The ledger store guards the reward
// amount against edits once minting has started; nil disables that check.
func New(store storage.ActivityStore, ledger storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("activities")
	}
	return &Service{store: store, ledger: ledger, log: log}
}

// CreateInput carries the fields of a new activity.
type CreateInput struct {
	Title           string
	Description     string
	Tokens          int64
	Date            time.Time
	Location        string
	MaxParticipants *int
}

// Create registers a new activity. Admin only.
func (s *Service) Create(ctx context.Context, actor user.Actor, in CreateInput) (activity.Activity, error) {
	if !actor.IsAdmin() {
		return activity.Activity{}, user.ErrForbidden
	}
	if in.Title == "" {
		return activity.Activity{}, domain.Invalidf("title is required")
	}
	if in.Tokens <= 0 {
		return activity.Activity{}, domain.Invalidf("tokens must be positive")
	}
	if in.Date.IsZero() {
		return activity.Activity{}, domain.Invalidf("date is required")
	}
	if in.MaxParticipants != nil && *in.MaxParticipants <= 0 {
		return activity.Activity{}, domain.Invalidf("max_participants must be positive when set")
	}

	created, err := s.store.CreateActivity(ctx, activity.Activity{
		Title:           in.Title,
		Description:     in.Description,
		Tokens:          in.Tokens,
		Date:            in.Date,
		Location:        in.Location,
		Status:          activity.StatusOpen,
		MaxParticipants: in.MaxParticipants,
		CreatedBy:       actor.UserID,
	})
	if err != nil {
		return activity.Activity{}, err
	}

	s.log.WithField("activity_id", created.ID).Info("activity created")
	return created, nil
}

// UpdateInput carries the mutable activity fields. Nil means unchanged.
type UpdateInput struct {
	Title           *string
	Description     *string
	Tokens          *int64
	Date            *time.Time
	Location        *string
	Status          *activity.Status
	MaxParticipants *int
}

// Update modifies an activity. The token reward is frozen as soon as a mint
// batch exists for the activity, otherwise already-minted rewards and the
// activity definition would disagree.
func (s *Service) Update(ctx context.Context, actor user.Actor, id string, in UpdateInput) (activity.Activity, error) {
	if !actor.IsAdmin() {
		return activity.Activity{}, user.ErrForbidden
	}

	act, err := s.store.GetActivity(ctx, id)
	if err != nil {
		return activity.Activity{}, err
	}

	if in.Tokens != nil && *in.Tokens != act.Tokens {
		if *in.Tokens <= 0 {
			return activity.Activity{}, domain.Invalidf("tokens must be positive")
		}
		if s.ledger != nil {
			count, err := s.ledger.CountBatchesByActivity(ctx, id)
			if err != nil {
				return activity.Activity{}, err
			}
			if count > 0 {
				return activity.Activity{}, activity.ErrRewardLocked
			}
		}
		act.Tokens = *in.Tokens
	}
	if in.Title != nil {
		act.Title = *in.Title
	}
	if in.Description != nil {
		act.Description = *in.Description
	}
	if in.Date != nil {
		act.Date = *in.Date
	}
	if in.Location != nil {
		act.Location = *in.Location
	}
	if in.Status != nil {
		switch *in.Status {
		case activity.StatusOpen, activity.StatusClosed, activity.StatusCompleted:
			act.Status = *in.Status
		default:
			return activity.Activity{}, domain.Invalidf("unknown status %q", *in.Status)
		}
	}
	if in.MaxParticipants != nil {
		if *in.MaxParticipants <= 0 {
			return activity.Activity{}, domain.Invalidf("max_participants must be positive when set")
		}
		act.MaxParticipants = in.MaxParticipants
	}

	updated, err := s.store.UpdateActivity(ctx, act)
	if err != nil {
		return activity.Activity{}, err
	}
	s.log.WithField("activity_id", id).Info("activity updated")
	return updated, nil
}

// Get returns one activity.
func (s *Service) Get(ctx context.Context, id string) (activity.Activity, error) {
	return s.store.GetActivity(ctx, id)
}

// List returns activities, optionally filtered by status.
func (s *Service) List(ctx context.Context, status activity.Status, offset, limit int) ([]activity.Activity, error) {
	return s.store.ListActivities(ctx, status, offset, limit)
}

// Register signs the acting student up for an activity.
func (s *Service) Register(ctx context.Context, actor user.Actor, activityID string) (activity.Registration, error) {
	act, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return activity.Registration{}, err
	}
	if act.Status != activity.StatusOpen {
		return activity.Registration{}, activity.ErrRegistrationClosed
	}

	if act.MaxParticipants != nil {
		count, err := s.store.CountRegistrations(ctx, activityID)
		if err != nil {
			return activity.Registration{}, err
		}
		if count >= *act.MaxParticipants {
			return activity.Registration{}, activity.ErrCapacityReached
		}
	}

	reg, err := s.store.CreateRegistration(ctx, activity.Registration{
		UserID:     actor.UserID,
		ActivityID: activityID,
		Status:     activity.RegistrationRegistered,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return activity.Registration{}, activity.ErrAlreadyRegistered
		}
		return activity.Registration{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"activity_id": activityID,
		"user_id":     actor.UserID,
	}).Info("registration created")
	return reg, nil
}

// Review confirms or rejects a registration. Admin only. Confirmation is what
// makes the student eligible for the activity's token reward.
func (s *Service) Review(ctx context.Context, actor user.Actor, registrationID string, status activity.RegistrationStatus) (activity.Registration, error) {
	if !actor.IsAdmin() {
		return activity.Registration{}, user.ErrForbidden
	}
	if status != activity.RegistrationConfirmed && status != activity.RegistrationRejected {
		return activity.Registration{}, domain.Invalidf("review status must be confirmed or rejected")
	}

	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return activity.Registration{}, err
	}
	reg.Status = status

	updated, err := s.store.UpdateRegistration(ctx, reg)
	if err != nil {
		return activity.Registration{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"registration_id": registrationID,
		"status":          status,
	}).Info("registration reviewed")
	return updated, nil
}

// ListMine returns the acting user's registrations.
func (s *Service) ListMine(ctx context.Context, actor user.Actor) ([]activity.Registration, error) {
	return s.store.ListRegistrationsByUser(ctx, actor.UserID)
}

// Participants returns the registrants of an activity with their user
// details. Admin only.
func (s *Service) Participants(ctx context.Context, actor user.Actor, activityID string) ([]activity.Participant, error) {
	if !actor.IsAdmin() {
		return nil, user.ErrForbidden
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, activityID)
}

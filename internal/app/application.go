// Package app ties the domain services together and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/omsu-chain/campuscoin/internal/app/services/activities"
	ledgersvc "github.com/omsu-chain/campuscoin/internal/app/services/ledger"
	"github.com/omsu-chain/campuscoin/internal/app/services/rewards"
	"github.com/omsu-chain/campuscoin/internal/app/services/users"
	"github.com/omsu-chain/campuscoin/internal/app/storage"
	"github.com/omsu-chain/campuscoin/internal/app/storage/memory"
	"github.com/omsu-chain/campuscoin/internal/app/system"
	"github.com/omsu-chain/campuscoin/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Users      storage.UserStore
	Activities storage.ActivityStore
	Rewards    storage.RewardStore
	Ledger     storage.LedgerStore
}

// Options carries the non-store dependencies of the application.
type Options struct {
	Minter            ledgersvc.Minter
	JWTSecret         []byte
	TokenTTL          time.Duration
	ReconcileInterval time.Duration
}

// Application bundles the platform services and their lifecycle manager.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Users      *users.Service
	Activities *activities.Service
	Rewards    *rewards.Service
	Ledger     *ledgersvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if len(opts.JWTSecret) == 0 {
		return nil, fmt.Errorf("jwt secret required")
	}

	mem := memory.New()
	if stores.Users == nil {
		stores.Users = mem
	}
	if stores.Activities == nil {
		stores.Activities = mem
	}
	if stores.Rewards == nil {
		stores.Rewards = mem
	}
	if stores.Ledger == nil {
		stores.Ledger = mem
	}

	manager := system.NewManager()

	userService := users.New(stores.Users, opts.JWTSecret, opts.TokenTTL, log)
	activityService := activities.New(stores.Activities, stores.Ledger, log)
	rewardService := rewards.New(stores.Rewards, log)
	ledgerService := ledgersvc.New(stores.Users, stores.Activities, stores.Rewards, stores.Ledger, opts.Minter, log)

	for _, name := range []string{"users", "activities", "rewards"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	// A chain-backed minter can also settle unconfirmed submissions.
	fates, _ := opts.Minter.(ledgersvc.TxFateChecker)
	reconciler := ledgersvc.NewReconciler(stores.Ledger, fates, opts.ReconcileInterval, log)
	if err := manager.Register(reconciler); err != nil {
		return nil, fmt.Errorf("register %s: %w", reconciler.Name(), err)
	}

	return &Application{
		manager:    manager,
		log:        log,
		Users:      userService,
		Activities: activityService,
		Rewards:    rewardService,
		Ledger:     ledgerService,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

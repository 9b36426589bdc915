package activity

import "errors"

// Registration and activity failures the API maps to client errors.
var (
	ErrRegistrationClosed = errors.New("activity is not open for registration")
	ErrCapacityReached    = errors.New("activity has reached its participant limit")
	ErrAlreadyRegistered  = errors.New("user is already registered for this activity")
	ErrRewardLocked       = errors.New("token reward cannot change after minting has started")
)

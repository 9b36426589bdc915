package user

import "errors"

// ErrForbidden is returned when an actor lacks the role or ownership a
// service operation requires.
var ErrForbidden = errors.New("operation not permitted")

// ErrInvalidCredentials is returned on login with a wrong email or password.
// The two cases are deliberately indistinguishable to the caller.
var ErrInvalidCredentials = errors.New("invalid email or password")

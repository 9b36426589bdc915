package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Typed failures shared between the ledger service and its stores.
var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrOutOfStock          = errors.New("reward is out of stock")
	ErrRewardUnavailable   = errors.New("reward is not available")
	ErrBatchFailed         = errors.New("previous mint attempt failed")
	ErrNotCommittable      = errors.New("mint batch is not in a committable state")
)

// ValidationError reports every account that blocks a credit batch, so the
// caller sees the full offender list in one response.
type ValidationError struct {
	MissingAccounts  []string
	InactiveAccounts []string
	MissingWallets   []string
	NotConfirmed     []string
}

// Error renders the offender lists grouped by reason.
func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingAccounts) > 0 {
		parts = append(parts, fmt.Sprintf("unknown accounts: %s", joinSorted(e.MissingAccounts)))
	}
	if len(e.InactiveAccounts) > 0 {
		parts = append(parts, fmt.Sprintf("inactive accounts: %s", joinSorted(e.InactiveAccounts)))
	}
	if len(e.MissingWallets) > 0 {
		parts = append(parts, fmt.Sprintf("accounts without wallet address: %s", joinSorted(e.MissingWallets)))
	}
	if len(e.NotConfirmed) > 0 {
		parts = append(parts, fmt.Sprintf("accounts without confirmed registration: %s", joinSorted(e.NotConfirmed)))
	}
	if len(parts) == 0 {
		return "batch validation failed"
	}
	return "batch validation failed: " + strings.Join(parts, "; ")
}

// Empty reports whether no offenders were collected.
func (e *ValidationError) Empty() bool {
	return len(e.MissingAccounts) == 0 && len(e.InactiveAccounts) == 0 &&
		len(e.MissingWallets) == 0 && len(e.NotConfirmed) == 0
}

func joinSorted(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

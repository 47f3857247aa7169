package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wnt/rebalancer/internal/dlmm"
)

// ErrEmptyPosition marks a created position account that holds no liquidity.
var ErrEmptyPosition = errors.New("new position created with zero liquidity")

// CriticalError marks an irreversible failure: the old position is closed and
// funds sit unpositioned in the wallet. It must reach the user verbatim with
// manual-action guidance and must never trigger an automatic remediation
// transaction.
type CriticalError struct {
	Stage string
	Err   error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical: %s: %v", e.Stage, e.Err)
}

func (e *CriticalError) Unwrap() error {
	return e.Err
}

// transientMarkers are error substrings that indicate a retryable ledger or
// market condition during position creation.
var transientMarkers = []string{
	"slippage",
	"price moved",
	"blockhash not found",
	"block height exceeded",
	"node is behind",
	"connection",
	"timeout",
	"too many requests",
}

// IsTransient reports whether an error from the create path may be retried
// with backoff. The same block-height expiry that is fatal for a close
// confirmation is retryable for a create, since nothing irreversible has
// happened yet on that attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, dlmm.ErrBlockheightExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

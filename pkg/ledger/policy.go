package ledger

import "fmt"

// OverdraftPolicy decides how a refund debit behaves when it exceeds the
// current balance.
type OverdraftPolicy string

const (
	// OverdraftClampZero debits at most the current balance and records the
	// remainder as a shortfall.
	OverdraftClampZero OverdraftPolicy = "clamp_zero"
	// OverdraftAllowNegative debits the full amount and lets the balance go
	// negative until future credits repay the debt.
	OverdraftAllowNegative OverdraftPolicy = "allow_negative"
)

// ParseOverdraftPolicy validates a raw policy name.
func ParseOverdraftPolicy(raw string) (OverdraftPolicy, error) {
	switch OverdraftPolicy(raw) {
	case OverdraftClampZero, OverdraftAllowNegative:
		return OverdraftPolicy(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOverdraftPolicy, raw)
}

// debitFor resolves the debit to apply for a requested refund amount given the
// current balance, returning the applied debit and the clamped shortfall.
func (policy OverdraftPolicy) debitFor(balance Credits, requested Credits) (Credits, Credits) {
	if policy == OverdraftAllowNegative {
		return requested, 0
	}
	if balance <= 0 {
		return 0, requested
	}
	if requested > balance {
		return balance, requested - balance
	}
	return requested, 0
}

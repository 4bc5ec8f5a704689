package vault

import "errors"

// Operation errors. All are synchronous rejections of the triggering
// call; the vault never retries internally and a rejected call leaves
// every balance untouched.
var (
	// ErrInvalidAmount rejects non-positive deposits and negative
	// withdraw/lock amounts.
	ErrInvalidAmount = errors.New("vault: invalid amount")

	// ErrInsufficientBalance rejects a withdraw exceeding free balance.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")

	// ErrInsufficientVaultBalance rejects a lock when free balance
	// cannot cover bid amount plus fee.
	ErrInsufficientVaultBalance = errors.New("vault: insufficient vault balance")

	// ErrInvalidLock rejects settle/refund on an unknown lock id.
	ErrInvalidLock = errors.New("vault: invalid lock")

	// ErrAlreadySettled rejects a second settle/refund on the same lock.
	ErrAlreadySettled = errors.New("vault: lock already settled")

	// ErrUnauthorized rejects lock/settle/refund from callers outside
	// the allow-list.
	ErrUnauthorized = errors.New("vault: unauthorized caller")

	// ErrPaused rejects deposits, withdrawals and new locks while the
	// vault is administratively paused. Settle and refund of existing
	// locks stay available.
	ErrPaused = errors.New("vault: paused")
)

// rejectReason maps an operation error to its metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientVaultBalance):
		return "insufficient_vault_balance"
	case errors.Is(err, ErrInvalidLock):
		return "invalid_lock"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPaused):
		return "paused"
	default:
		return "internal"
	}
}

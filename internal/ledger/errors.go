package ledger

import "errors"

// Accounting error types.
var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrLedgerFull    = errors.New("accounting table full")
)

package economy

import "errors"

// ErrTransactionRejected is returned for self transfers and for transfers
// that would leave the sender at or below zero. The two causes are not
// distinguished; check from == to beforehand if it matters.
var ErrTransactionRejected = errors.New("insufficient funds or degenerate transaction")

// Degenerate numeric states, reported only in ModeStrict.
var (
	ErrEmptyPopulation = errors.New("economy has no players")
	ErrZeroWealth      = errors.New("economy has zero total wealth")
	ErrZeroWeights     = errors.New("no redistribution weight below the soft limit")
)

package payment

import (
	"errors"
	"strconv"
)

var (
	ErrRequestNotFound = errors.New("payment: request not found")
	ErrAlreadyTerminal = errors.New("payment: request already in a terminal state")
	ErrNoMatchingRule  = errors.New("payment: no routing rule matched and no fallback configured")
)

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func errAmountTooSmall(min float64) string {
	return "Amount too small (minimum: " + formatAmount(min) + ")"
}

func errAmountTooLarge(max float64) string {
	return "Amount too large (maximum: " + formatAmount(max) + ")"
}

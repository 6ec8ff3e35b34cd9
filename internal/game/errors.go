package game

import (
	"errors"
	"fmt"
)

var (
	ErrBettingClosed     = errors.New("betting is closed")
	ErrStakeOutOfRange   = errors.New("stake out of range")
	ErrInvalidTarget     = errors.New("invalid auto cashout target")
	ErrInvalidSlot       = errors.New("invalid slot")
	ErrDuplicateWager    = errors.New("wager already placed for this slot")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrNoOpenWager       = errors.New("no open wager for this slot")
	ErrCashoutRejected   = errors.New("cashout rejected")
	ErrPersistence       = errors.New("persistence failure")
	ErrWallet            = errors.New("wallet unavailable")
)

// WagerError is returned by the ledger for every rejected operation so the
// session can reset only the control that sent it.
type WagerError struct {
	Slot   Slot
	Reason string
	Err    error
}

func (e *WagerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Slot, e.Reason)
}

func (e *WagerError) Unwrap() error {
	return e.Err
}

func rejectf(slot Slot, err error, format string, args ...interface{}) *WagerError {
	return &WagerError{Slot: slot, Reason: fmt.Sprintf(format, args...), Err: err}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrBettingClosed, "betting_closed"},
	{ErrStakeOutOfRange, "stake_out_of_range"},
	{ErrInvalidTarget, "invalid_target"},
	{ErrInvalidSlot, "invalid_slot"},
	{ErrDuplicateWager, "duplicate"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrNoOpenWager, "no_open_wager"},
	{ErrCashoutRejected, "cashout_rejected"},
	{ErrPersistence, "persistence"},
	{ErrWallet, "wallet"},
}

// Code maps err to a short label for metrics.
func Code(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "other"
}

// Reason returns the text shown to the participant for err.
func Reason(err error) string {
	var we *WagerError
	if errors.As(err, &we) {
		return we.Reason
	}
	return err.Error()
}

package txbuilder

import (
	"errors"
	"fmt"
)

var (
	ErrIncompleteTransaction = errors.New("cannot sign incomplete transaction")
	ErrUnsupportedNetwork    = errors.New("cannot sign transaction for unsupported network")
	ErrNotReady              = errors.New("transaction invalid: not ready")
	ErrInsufficientFunds     = errors.New("transaction invalid: insufficient funds")
)

// FieldError is the terminal failure of a draft: the named field could not
// be set.
type FieldError struct {
	Field Field
	Err   error
}

func (e *FieldError) Error() string {
	if e == nil || e.Err == nil {
		return "invalid value"
	}
	return fmt.Sprintf("invalid value %q: %s", e.Field.String(), e.Err.Error())
}

func (e *FieldError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type EstimateGasError struct {
	Err error
	Tx  TransportTx
}

func (e *EstimateGasError) Error() string {
	if e == nil {
		return "estimate gas failed"
	}
	if e.Err == nil {
		return "estimate gas failed"
	}
	return "estimate gas failed: " + e.Err.Error()
}

func (e *EstimateGasError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

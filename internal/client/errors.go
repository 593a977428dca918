package client

import (
	"fmt"
	"math/big"
)

// InsufficientFundsError is a node's "insufficient funds" rejection checked
// against the draft. When the draft's balance covers its cost the node's
// complaint more likely comes from a bad signature than from the account.
type InsufficientFundsError struct {
	Err        error
	Sufficient bool
	GasLimit   uint64
	GasPrice   *big.Int
	Value      *big.Int
	Balance    *big.Int
}

func (e *InsufficientFundsError) Error() string {
	if e == nil {
		return "insufficient funds"
	}
	if e.Sufficient {
		return "insufficient funds reported but funds appear sufficient, possibly a signing error"
	}
	return fmt.Sprintf("insufficient funds for gas * price + value (%d * %s + %s)", e.GasLimit, e.GasPrice, e.Value)
}

func (e *InsufficientFundsError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

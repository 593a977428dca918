package txbuilder

import "math/big"

// command is one queued field update. Commands carrying a nil value ask the
// assembler to derive the field from the node.
type command interface {
	target() Field
	explicit() bool
}

type setNetwork struct{ network string }

type setChainID struct{ chainID *big.Int }

type setReceiver struct{ address string }

type setSender struct{ address string }

type setNonce struct{ nonce *uint64 }

type setValue struct {
	value        string
	denomination string
}

type setData struct{ data []byte }

type setGasPrice struct{ price *big.Int }

type setGasLimit struct{ limit *uint64 }

type updateBalance struct{ balance *big.Int }

func (setNetwork) target() Field    { return FieldNetwork }
func (setChainID) target() Field    { return FieldChainID }
func (setReceiver) target() Field   { return FieldTo }
func (setSender) target() Field     { return FieldFrom }
func (setNonce) target() Field      { return FieldNonce }
func (setValue) target() Field      { return FieldValue }
func (setData) target() Field       { return FieldData }
func (setGasPrice) target() Field   { return FieldGasPrice }
func (setGasLimit) target() Field   { return FieldGasLimit }
func (updateBalance) target() Field { return FieldBalance }

func (setNetwork) explicit() bool      { return true }
func (c setChainID) explicit() bool    { return c.chainID != nil }
func (setReceiver) explicit() bool     { return true }
func (setSender) explicit() bool       { return true }
func (c setNonce) explicit() bool      { return c.nonce != nil }
func (setValue) explicit() bool        { return true }
func (setData) explicit() bool         { return true }
func (c setGasPrice) explicit() bool   { return c.price != nil }
func (c setGasLimit) explicit() bool   { return c.limit != nil }
func (c updateBalance) explicit() bool { return c.balance != nil }

// dependents lists the derived commands a successful command triggers.
func dependents(c command) []command {
	switch c.(type) {
	case setSender:
		return []command{updateBalance{}, setNonce{}}
	case setValue, setGasPrice:
		return []command{setGasLimit{}}
	default:
		return nil
	}
}

// coalesce drops any queued command for the same field and appends c, so
// the most recent request for a field is the one that runs.
func coalesce(queue []command, c command) []command {
	out := queue[:0]
	for _, q := range queue {
		if q.target() != c.target() {
			out = append(out, q)
		}
	}
	return append(out, c)
}

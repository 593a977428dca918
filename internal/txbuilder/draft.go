package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/codec"
)

type Field int

const (
	FieldNetwork Field = iota
	FieldChainID
	FieldTo
	FieldFrom
	FieldNonce
	FieldValue
	FieldData
	FieldGasPrice
	FieldGasLimit
	FieldBalance
	fieldCount
)

var fieldNames = [fieldCount]string{
	FieldNetwork:  "network",
	FieldChainID:  "chainId",
	FieldTo:       "to",
	FieldFrom:     "from",
	FieldNonce:    "nonce",
	FieldValue:    "value",
	FieldData:     "data",
	FieldGasPrice: "gasPrice",
	FieldGasLimit: "gasLimit",
	FieldBalance:  "balance",
}

func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return "unknown"
	}
	return fieldNames[f]
}

// Source records where a field's current value came from. Automatic
// recomputation never overwrites an Explicit value.
type Source int

const (
	SourceUnset Source = iota
	SourceExplicit
	SourceDerived
)

func (s Source) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourceDerived:
		return "derived"
	default:
		return "unset"
	}
}

type State int

const (
	StatePending State = iota
	StateReady
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateInvalid:
		return "invalid"
	default:
		return "pending"
	}
}

// Draft is a transaction under construction. Amounts are in the smallest
// unit of Network; a nil field has not been determined yet.
type Draft struct {
	Network  chain.Network
	To       string
	From     string
	Value    *big.Int
	ChainID  *big.Int
	Nonce    *uint64
	GasPrice *big.Int
	GasLimit *uint64
	Data     []byte
	Balance  *big.Int
}

// Missing lists the transaction fields that are still undetermined.
func (d Draft) Missing() []Field {
	var out []Field
	if d.To == "" {
		out = append(out, FieldTo)
	}
	if d.From == "" {
		out = append(out, FieldFrom)
	}
	if d.Value == nil {
		out = append(out, FieldValue)
	}
	if d.ChainID == nil {
		out = append(out, FieldChainID)
	}
	if d.Nonce == nil {
		out = append(out, FieldNonce)
	}
	if d.GasPrice == nil {
		out = append(out, FieldGasPrice)
	}
	if d.GasLimit == nil {
		out = append(out, FieldGasLimit)
	}
	if d.Data == nil {
		out = append(out, FieldData)
	}
	if d.Balance == nil {
		out = append(out, FieldBalance)
	}
	return out
}

func (d Draft) Complete() bool {
	return len(d.Missing()) == 0
}

// Cost is gasLimit * gasPrice + value. It is nil unless those three fields
// are set.
func (d Draft) Cost() *big.Int {
	if d.GasLimit == nil || d.GasPrice == nil || d.Value == nil {
		return nil
	}
	cost := new(big.Int).SetUint64(*d.GasLimit)
	cost.Mul(cost, d.GasPrice)
	return cost.Add(cost, d.Value)
}

func (d Draft) clone() Draft {
	out := d
	out.Value = cloneBig(d.Value)
	out.ChainID = cloneBig(d.ChainID)
	out.GasPrice = cloneBig(d.GasPrice)
	out.Balance = cloneBig(d.Balance)
	out.Nonce = cloneUint(d.Nonce)
	out.GasLimit = cloneUint(d.GasLimit)
	if d.Data != nil {
		out.Data = append([]byte{}, d.Data...)
	}
	return out
}

func (d Draft) codecTx() codec.Tx {
	tx := codec.Tx{
		ChainID:  d.ChainID,
		GasPrice: d.GasPrice,
		To:       d.To,
		Value:    d.Value,
		Data:     d.Data,
	}
	if d.Nonce != nil {
		tx.Nonce = *d.Nonce
	}
	if d.GasLimit != nil {
		tx.GasLimit = *d.GasLimit
	}
	return tx
}

// TransportTx is the JSON-RPC view of a draft, as accepted by
// eth_estimateGas and eth_sendTransaction.
type TransportTx struct {
	From     string          `json:"from,omitempty"`
	To       string          `json:"to,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	ChainID  *hexutil.Big    `json:"chainId,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

func (d Draft) Transport() TransportTx {
	tx := TransportTx{
		From:     d.From,
		To:       d.To,
		Value:    (*hexutil.Big)(cloneBig(d.Value)),
		ChainID:  (*hexutil.Big)(cloneBig(d.ChainID)),
		GasPrice: (*hexutil.Big)(cloneBig(d.GasPrice)),
		Data:     append(hexutil.Bytes{}, d.Data...),
	}
	if d.Nonce != nil {
		n := hexutil.Uint64(*d.Nonce)
		tx.Nonce = &n
	}
	if d.GasLimit != nil {
		g := hexutil.Uint64(*d.GasLimit)
		tx.Gas = &g
	}
	return tx
}

// Input is a caller's transaction request. Empty strings and nil pointers
// mean "not supplied"; chainId, nonce, gasPrice, gasLimit and balance are
// then queried from the node. Value is a decimal amount in Denomination
// (the network's smallest unit when empty); GasPrice and Balance are in the
// smallest unit, decimal or 0x hex; Data is 0x hex.
type Input struct {
	Network      string  `json:"network,omitempty"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	Value        string  `json:"value"`
	Denomination string  `json:"denomination,omitempty"`
	Data         string  `json:"data,omitempty"`
	GasPrice     string  `json:"gasPrice,omitempty"`
	GasLimit     *uint64 `json:"gasLimit,omitempty"`
	Nonce        *uint64 `json:"nonce,omitempty"`
	ChainID      *uint64 `json:"chainId,omitempty"`
	Balance      string  `json:"balance,omitempty"`
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneUint(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

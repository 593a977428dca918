package txbuilder

import (
	"context"
	"math/big"
)

// NodeQuery is the read side of a blockchain node that an Assembler uses to
// derive fields the caller did not supply.
type NodeQuery interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Nonce(ctx context.Context, address string) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, draft Draft) (uint64, error)
}

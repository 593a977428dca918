package codec

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
)

// Tx holds the canonical fields a codec needs to hash or sign a transaction.
// To may be empty for contract creation.
type Tx struct {
	ChainID  *big.Int
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       string
	Value    *big.Int
	Data     []byte
}

type Signature struct {
	R *big.Int
	S *big.Int
	V *big.Int
}

type Codec interface {
	IsValidAddress(addr string) bool
	Hash(tx Tx) (common.Hash, error)
	Sign(tx Tx, key *ecdsa.PrivateKey) (Signature, error)
	SignRawTransaction(tx Tx, key *ecdsa.PrivateKey) ([]byte, error)
}

// Set resolves the codec for a network.
type Set interface {
	For(network chain.Network) (Codec, error)
}

type registry map[chain.Network]Codec

func (r registry) For(network chain.Network) (Codec, error) {
	c, ok := r[network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidNetwork, network)
	}
	return c, nil
}

// Default returns the codecs for every supported network.
func Default() Set {
	return registry{
		chain.Ethereum: Ethereum{},
		chain.Wanchain: Wanchain{},
	}
}

func (t Tx) validate() error {
	if t.ChainID == nil {
		return errors.New("chainID is required")
	}
	if t.GasPrice == nil {
		return errors.New("gasPrice is required")
	}
	if t.Value == nil {
		return errors.New("value is required")
	}
	if t.GasPrice.Sign() < 0 || t.Value.Sign() < 0 {
		return errors.New("gasPrice and value must be non-negative")
	}
	if t.To != "" && !common.IsHexAddress(t.To) {
		return fmt.Errorf("invalid receiver address %q", t.To)
	}
	return nil
}

func (t Tx) to() *common.Address {
	if t.To == "" {
		return nil
	}
	addr := common.HexToAddress(t.To)
	return &addr
}

func stripHexPrefix(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return addr[2:]
	}
	return addr
}

// isUniformCase reports whether the hex digits carry no checksum
// information, i.e. are all lower or all upper case.
func isUniformCase(hexPart string) bool {
	return hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart)
}

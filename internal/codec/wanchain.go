package codec

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// wanTxTypeNormal marks an ordinary (non privacy) Wanchain transaction.
const wanTxTypeNormal = 1

// Wanchain signs Wanchain legacy transactions. The wire format is the
// Ethereum legacy list prefixed with a transaction type:
// [type, nonce, gasPrice, gas, to, value, data, v, r, s].
type Wanchain struct{}

// IsValidAddress accepts 20-byte hex addresses; mixed-case input must carry
// a valid Wanchain checksum.
func (w Wanchain) IsValidAddress(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	hexPart := stripHexPrefix(addr)
	if isUniformCase(hexPart) {
		return true
	}
	return w.ToChecksumAddress(addr)[2:] == hexPart
}

// ToChecksumAddress applies the Wanchain checksum, which upper-cases a
// digit when its keccak nibble is below 8 (the inverse of EIP-55).
func (Wanchain) ToChecksumAddress(addr string) string {
	lower := strings.ToLower(stripHexPrefix(addr))
	hash := crypto.Keccak256([]byte(lower))
	out := make([]byte, 0, len(lower)+2)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		nibble := hash[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble < 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func (Wanchain) Hash(tx Tx) (common.Hash, error) {
	if err := tx.validate(); err != nil {
		return common.Hash{}, err
	}
	return signingHash(tx)
}

func (Wanchain) Sign(tx Tx, key *ecdsa.PrivateKey) (Signature, error) {
	if key == nil {
		return Signature{}, errors.New("private key is required")
	}
	if err := tx.validate(); err != nil {
		return Signature{}, err
	}
	return signWan(tx, key)
}

func (Wanchain) SignRawTransaction(tx Tx, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("private key is required")
	}
	if err := tx.validate(); err != nil {
		return nil, err
	}
	sig, err := signWan(tx, key)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes([]interface{}{
		uint64(wanTxTypeNormal),
		tx.Nonce,
		tx.GasPrice,
		tx.GasLimit,
		tx.to(),
		tx.Value,
		dataOrEmpty(tx.Data),
		sig.V,
		sig.R,
		sig.S,
	})
}

// signingHash follows EIP-155: the chain id and two zeros take the place of
// the signature values.
func signingHash(tx Tx) (common.Hash, error) {
	enc, err := rlp.EncodeToBytes([]interface{}{
		uint64(wanTxTypeNormal),
		tx.Nonce,
		tx.GasPrice,
		tx.GasLimit,
		tx.to(),
		tx.Value,
		dataOrEmpty(tx.Data),
		tx.ChainID,
		uint(0),
		uint(0),
	})
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

func signWan(tx Tx, key *ecdsa.PrivateKey) (Signature, error) {
	hash, err := signingHash(tx)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return Signature{}, err
	}
	v := new(big.Int).Mul(tx.ChainID, big.NewInt(2))
	v.Add(v, big.NewInt(int64(sig[crypto.RecoveryIDOffset])+35))
	return Signature{
		R: new(big.Int).SetBytes(sig[:32]),
		S: new(big.Int).SetBytes(sig[32:64]),
		V: v,
	}, nil
}

func dataOrEmpty(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

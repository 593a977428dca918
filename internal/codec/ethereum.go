package codec

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ethereum signs EIP-155 legacy transactions.
type Ethereum struct{}

// IsValidAddress accepts 20-byte hex addresses; mixed-case input must carry
// a valid EIP-55 checksum.
func (Ethereum) IsValidAddress(addr string) bool {
	if !common.IsHexAddress(addr) {
		return false
	}
	hexPart := stripHexPrefix(addr)
	if isUniformCase(hexPart) {
		return true
	}
	return common.HexToAddress(addr).Hex()[2:] == hexPart
}

func (Ethereum) ToChecksumAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

func (e Ethereum) Hash(tx Tx) (common.Hash, error) {
	legacy, signer, err := e.prepare(tx)
	if err != nil {
		return common.Hash{}, err
	}
	return signer.Hash(legacy), nil
}

func (e Ethereum) Sign(tx Tx, key *ecdsa.PrivateKey) (Signature, error) {
	if key == nil {
		return Signature{}, errors.New("private key is required")
	}
	legacy, signer, err := e.prepare(tx)
	if err != nil {
		return Signature{}, err
	}
	hash := signer.Hash(legacy)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return Signature{}, err
	}
	r, s, v, err := signer.SignatureValues(legacy, sig)
	if err != nil {
		return Signature{}, err
	}
	return Signature{R: r, S: s, V: v}, nil
}

func (e Ethereum) SignRawTransaction(tx Tx, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("private key is required")
	}
	legacy, signer, err := e.prepare(tx)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(legacy, signer, key)
	if err != nil {
		return nil, err
	}
	return signed.MarshalBinary()
}

func (Ethereum) prepare(tx Tx) (*types.Transaction, types.Signer, error) {
	if err := tx.validate(); err != nil {
		return nil, nil, err
	}
	legacy := types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.GasLimit,
		To:       tx.to(),
		Value:    tx.Value,
		Data:     tx.Data,
	})
	return legacy, types.NewEIP155Signer(tx.ChainID), nil
}

// SignMessage produces a personal_sign style signature (r || s || v, v in
// {27, 28}).
func SignMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("private key is required")
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// VerifyMessage checks a personal_sign signature against an address.
// Recovery ids 0/1 and 27/28 are both accepted.
func VerifyMessage(address string, msg []byte, sig []byte) bool {
	if len(sig) != crypto.SignatureLength || !common.IsHexAddress(address) {
		return false
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(address)
}

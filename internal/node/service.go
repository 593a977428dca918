package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/txbuilder"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/util"
)

// Backend is the typed JSON-RPC surface the service reads from.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Caller issues raw JSON-RPC calls. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type Options struct {
	GasLimitMultiplier float64
	RequestTimeout     time.Duration
	// Oracle, when set, answers GasPrice from its cached price.
	Oracle *GasPriceOracle
}

// Service is the node of one network. It implements txbuilder.NodeQuery and
// the transport the client submits through.
type Service struct {
	network chain.Network
	backend Backend
	rpc     Caller
	opts    Options
	logger  *slog.Logger
}

var _ txbuilder.NodeQuery = (*Service)(nil)

func NewService(network chain.Network, backend Backend, rpc Caller, opts Options, logger *slog.Logger) *Service {
	if opts.GasLimitMultiplier <= 0 {
		opts.GasLimitMultiplier = 1.2
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		network: network,
		backend: backend,
		rpc:     rpc,
		opts:    opts,
		logger:  logger.With("network", network.String()),
	}
}

func (s *Service) Network() chain.Network {
	return s.network
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.RequestTimeout)
}

// ChainID asks for eth_chainId and falls back to net_version for nodes that
// predate it.
func (s *Service) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	id, err := s.backend.ChainID(ctx)
	if err == nil {
		return id, nil
	}
	if s.rpc == nil {
		return nil, err
	}
	s.logger.Debug("eth_chainId failed, trying net_version", "error", err)
	var version string
	if verr := s.rpc.CallContext(ctx, &version, "net_version"); verr != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	id, ok := new(big.Int).SetString(version, 10)
	if !ok {
		return nil, fmt.Errorf("invalid net_version %q", version)
	}
	return id, nil
}

func (s *Service) Balance(ctx context.Context, address string) (*big.Int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
}

func (s *Service) Nonce(ctx context.Context, address string) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.PendingNonceAt(ctx, common.HexToAddress(address))
}

// GasPrice returns the node's suggested price in the smallest unit.
func (s *Service) GasPrice(ctx context.Context) (*big.Int, error) {
	if s.opts.Oracle != nil {
		return s.opts.Oracle.GasPrice(ctx)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.SuggestGasPrice(ctx)
}

// EstimateGas estimates the draft's gas and pads it by the configured
// multiplier.
func (s *Service) EstimateGas(ctx context.Context, d txbuilder.Draft) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	msg := ethereum.CallMsg{
		From:     common.HexToAddress(d.From),
		GasPrice: d.GasPrice,
		Value:    d.Value,
		Data:     d.Data,
	}
	if d.To != "" {
		to := common.HexToAddress(d.To)
		msg.To = &to
	}
	gas, err := s.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, err
	}
	return applyGasMultiplier(gas, s.opts.GasLimitMultiplier), nil
}

func (s *Service) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	if s.rpc == nil {
		return common.Hash{}, errors.New("rpc client is not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// SendTransaction submits an unsigned transaction for the node to sign with
// an account it manages.
func (s *Service) SendTransaction(ctx context.Context, tx txbuilder.TransportTx) (common.Hash, error) {
	if s.rpc == nil {
		return common.Hash{}, errors.New("rpc client is not configured")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var hash common.Hash
	if err := s.rpc.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionReceipt returns ethereum.NotFound while the transaction is
// pending.
func (s *Service) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.TransactionReceipt(ctx, hash)
}

func (s *Service) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.backend.BlockNumber(ctx)
}

// Probe checks the node answers, retrying with backoff.
func (s *Service) Probe(ctx context.Context, max int, backoff time.Duration) (uint64, error) {
	var head uint64
	err := util.Retry(ctx, max, backoff, func() error {
		n, err := s.BlockNumber(ctx)
		if err != nil {
			s.logger.Warn("node probe failed", "error", err)
			return err
		}
		head = n
		return nil
	})
	return head, err
}

func applyGasMultiplier(gas uint64, mult float64) uint64 {
	if mult <= 0 {
		return gas
	}
	adjusted := uint64(float64(gas) * mult)
	if adjusted < gas {
		return gas
	}
	return adjusted
}

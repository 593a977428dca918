package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/codec"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/config"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/journal"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/progress"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/txbuilder"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/util"
)

// Transport submits transactions and tracks them until mined.
type Transport interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	SendTransaction(ctx context.Context, tx txbuilder.TransportTx) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Backend is everything the client needs from one network's node.
type Backend interface {
	txbuilder.NodeQuery
	Transport
}

var (
	ErrNotConfigured = errors.New("network is not configured")
	ErrReverted      = errors.New("transaction has been reverted")
	errPending       = errors.New("pending")
)

type Options struct {
	DefaultNetwork      chain.Network
	Confirmations       uint64
	ReceiptPollInterval time.Duration
	ReceiptRetryMax     int
	Codecs              codec.Set
	// Journal, when set, records every submitted transaction.
	Journal *journal.Store
}

func OptionsFromConfig(cfg *config.Config) Options {
	var confirmations uint64
	if cfg.Tx.Confirmations != nil {
		confirmations = *cfg.Tx.Confirmations
	}
	return Options{
		DefaultNetwork:      chain.Network(cfg.DefaultNetwork),
		Confirmations:       confirmations,
		ReceiptPollInterval: cfg.Tx.ReceiptPollInterval.Duration,
		ReceiptRetryMax:     cfg.Tx.ReceiptRetryMax,
	}
}

// Client resolves networks and drives transactions from input to
// confirmation.
type Client struct {
	backends map[chain.Network]Backend
	opts     Options
	logger   *slog.Logger
}

func New(backends map[chain.Network]Backend, opts Options, logger *slog.Logger) *Client {
	if opts.DefaultNetwork == "" {
		opts.DefaultNetwork = chain.Ethereum
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = 2 * time.Second
	}
	if opts.ReceiptRetryMax <= 0 {
		opts.ReceiptRetryMax = 150
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{backends: backends, opts: opts, logger: logger}
}

// Networks lists the networks with a backend, in a stable order.
func (c *Client) Networks() []chain.Network {
	out := make([]chain.Network, 0, len(c.backends))
	for n := range c.backends {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve maps a user supplied network name to its backend. An empty name
// selects the default network.
func (c *Client) Resolve(name string) (chain.Network, Backend, error) {
	network := c.opts.DefaultNetwork
	if strings.TrimSpace(name) != "" {
		n, err := chain.Parse(name)
		if err != nil {
			return "", nil, fmt.Errorf("%w %q", err, name)
		}
		network = n
	}
	b, ok := c.backends[network]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotConfigured, network)
	}
	return network, b, nil
}

// CreateTransaction starts assembling in without sending it.
func (c *Client) CreateTransaction(ctx context.Context, in txbuilder.Input) (*txbuilder.Assembler, error) {
	network, backend, err := c.Resolve(in.Network)
	if err != nil {
		return nil, err
	}
	in.Network = network.String()
	asm := txbuilder.NewAssembler(ctx, backend, c.opts.Codecs, c.logger.With("network", network.String()))
	asm.Load(in)
	return asm, nil
}

// Balances fetches the balance of address on every configured network.
func (c *Client) Balances(ctx context.Context, address string) (map[chain.Network]*big.Int, error) {
	networks := c.Networks()
	results := make([]*big.Int, len(networks))
	for _, n := range networks {
		cdc, err := c.opts.Codecs.For(n)
		if err != nil {
			return nil, err
		}
		if !cdc.IsValidAddress(address) {
			return nil, fmt.Errorf("invalid address %q for %s", address, n)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range networks {
		i, n := i, n
		g.Go(func() error {
			bal, err := c.backends[n].Balance(gctx, address)
			if err != nil {
				return fmt.Errorf("%s balance: %w", n, err)
			}
			results[i] = bal
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[chain.Network]*big.Int, len(networks))
	for i, n := range networks {
		out[n] = results[i]
	}
	return out, nil
}

// SendTransaction assembles in and submits it. With a key the transaction
// is signed locally and sent raw; without one the node signs it. The task
// resolves with the receipt once the configured confirmations are reached.
// Invalid networks fail synchronously.
func (c *Client) SendTransaction(ctx context.Context, in txbuilder.Input, key *ecdsa.PrivateKey) (*progress.Task[*types.Receipt], error) {
	network, backend, err := c.Resolve(in.Network)
	if err != nil {
		return nil, err
	}
	in.Network = network.String()
	task := progress.NewTask[*types.Receipt]()
	task.Emit(progress.Message("generating new transaction object"))

	asm := txbuilder.NewAssembler(ctx, backend, c.opts.Codecs, c.logger.With("network", network.String()))
	asm.Observe(forward(task))
	asm.Load(in)

	go func() {
		if _, err := asm.Wait(ctx); err != nil {
			c.fail(task, err)
			return
		}
		c.submit(ctx, task, asm, backend, key)
	}()
	return task, nil
}

// SendAssembled submits a draft built with CreateTransaction. The draft
// must already be Ready and pass Validate.
func (c *Client) SendAssembled(ctx context.Context, asm *txbuilder.Assembler, key *ecdsa.PrivateKey) (*progress.Task[*types.Receipt], error) {
	d := asm.Draft()
	_, backend, err := c.Resolve(d.Network.String())
	if err != nil {
		return nil, err
	}
	task := progress.NewTask[*types.Receipt]()
	task.Emit(progress.Message("validating existing transaction object"))
	if err := asm.Validate(); err != nil {
		c.fail(task, err)
		return task, nil
	}
	go c.submit(ctx, task, asm, backend, key)
	return task, nil
}

// forward relays the assembler's progress but not its error event; the send
// task reports the failure itself.
func forward(task *progress.Task[*types.Receipt]) func(progress.Event) {
	return func(e progress.Event) {
		if e.Kind == progress.KindError {
			return
		}
		task.Emit(e)
	}
}

func (c *Client) fail(task *progress.Task[*types.Receipt], err error) {
	c.logger.Warn("transaction failed", "error", err)
	task.Emit(progress.Error(err))
	task.Reject(err)
}

func (c *Client) submit(ctx context.Context, task *progress.Task[*types.Receipt], asm *txbuilder.Assembler, backend Backend, key *ecdsa.PrivateKey) {
	hash, err := c.send(ctx, asm, backend, key)
	if err != nil {
		c.fail(task, c.classify(err, asm))
		return
	}
	d := asm.Draft()
	c.logger.Info("transaction submitted", "network", d.Network.String(), "hash", hash.Hex(), "signed", key != nil)
	c.record(func(j *journal.Store) error {
		return j.Submitted(journal.Entry{
			Network: d.Network.String(),
			Hash:    hash.Hex(),
			From:    d.From,
			To:      d.To,
			Nonce:   *d.Nonce,
		})
	})
	task.Emit(progress.TransactionHash(hash))

	receipt, err := c.awaitReceipt(ctx, backend, hash)
	if err != nil {
		c.record(func(j *journal.Store) error { return j.Failed(hash.Hex(), err) })
		c.fail(task, err)
		return
	}
	reverted := receipt.Status == types.ReceiptStatusFailed
	c.record(func(j *journal.Store) error {
		var block uint64
		if receipt.BlockNumber != nil {
			block = receipt.BlockNumber.Uint64()
		}
		return j.Mined(hash.Hex(), block, reverted)
	})
	task.Emit(progress.Receipt(receipt))
	if reverted {
		c.fail(task, fmt.Errorf("%w: %s", ErrReverted, hash.Hex()))
		return
	}
	if err := c.awaitConfirmations(ctx, backend, task, receipt); err != nil {
		c.fail(task, err)
		return
	}
	c.record(func(j *journal.Store) error { return j.Confirmed(hash.Hex(), c.opts.Confirmations, true) })
	task.Resolve(receipt)
}

func (c *Client) record(fn func(*journal.Store) error) {
	if c.opts.Journal == nil {
		return
	}
	if err := fn(c.opts.Journal); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

func (c *Client) send(ctx context.Context, asm *txbuilder.Assembler, backend Backend, key *ecdsa.PrivateKey) (common.Hash, error) {
	if key != nil {
		raw, err := asm.Sign(key)
		if err != nil {
			return common.Hash{}, err
		}
		return backend.SendRawTransaction(ctx, raw)
	}
	tx, err := asm.TransportTransaction()
	if err != nil {
		return common.Hash{}, err
	}
	return backend.SendTransaction(ctx, tx)
}

func (c *Client) awaitReceipt(ctx context.Context, backend Backend, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := util.Poll(ctx, c.opts.ReceiptRetryMax, c.opts.ReceiptPollInterval, func() error {
		r, err := backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) || (err == nil && r == nil) {
			return errPending
		}
		if err != nil {
			return util.Permanent(err)
		}
		receipt = r
		return nil
	})
	if errors.Is(err, errPending) {
		return nil, fmt.Errorf("transaction %s was not mined after %d polls", hash.Hex(), c.opts.ReceiptRetryMax+1)
	}
	return receipt, err
}

// awaitConfirmations emits one confirmation per block mined on top of the
// receipt's block, up to the configured count.
func (c *Client) awaitConfirmations(ctx context.Context, backend Backend, task *progress.Task[*types.Receipt], receipt *types.Receipt) error {
	if c.opts.Confirmations == 0 || receipt.BlockNumber == nil {
		return nil
	}
	mined := receipt.BlockNumber.Uint64()
	var seen uint64
	err := util.Poll(ctx, c.opts.ReceiptRetryMax, c.opts.ReceiptPollInterval, func() error {
		head, err := backend.BlockNumber(ctx)
		if err != nil {
			return util.Permanent(err)
		}
		for seen < c.opts.Confirmations && head >= mined+seen+1 {
			seen++
			n := seen
			c.record(func(j *journal.Store) error { return j.Confirmed(receipt.TxHash.Hex(), n, false) })
			task.Emit(progress.Confirmation(seen, receipt))
		}
		if seen < c.opts.Confirmations {
			return errPending
		}
		return nil
	})
	if errors.Is(err, errPending) {
		return fmt.Errorf("only %d of %d confirmations after %d polls", seen, c.opts.Confirmations, c.opts.ReceiptRetryMax+1)
	}
	return err
}

// classify rewrites a node's insufficient funds error using the draft's own
// cost and balance.
func (c *Client) classify(err error, asm *txbuilder.Assembler) error {
	if !strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return err
	}
	sufficient, cerr := asm.CheckSufficientFunds()
	if cerr != nil {
		return err
	}
	d := asm.Draft()
	return &InsufficientFundsError{
		Err:        err,
		Sufficient: sufficient,
		GasLimit:   *d.GasLimit,
		GasPrice:   d.GasPrice,
		Value:      d.Value,
		Balance:    d.Balance,
	}
}

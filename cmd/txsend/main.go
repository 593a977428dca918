package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/client"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/config"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/keys"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/node"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/progress"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/txbuilder"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/units"
)

type options struct {
	network      string
	from         string
	to           string
	value        string
	denomination string
	data         string
	gasPriceGwei string
	gasLimit     uint64
	nonce        int64
	keyHex       string
	useKeystore  bool
	dryRun       bool
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	var opts options
	flag.StringVar(&opts.network, "network", "", "eth|wan (defaults to config default_network)")
	flag.StringVar(&opts.from, "from", "", "sender address")
	flag.StringVar(&opts.to, "to", "", "receiver address")
	flag.StringVar(&opts.value, "value", "0", "amount to send")
	flag.StringVar(&opts.denomination, "unit", "", "denomination of -value (defaults to wei/win)")
	flag.StringVar(&opts.data, "data", "", "hex call data")
	flag.StringVar(&opts.gasPriceGwei, "gas-price-gwei", "", "gas price in gwei (queried when empty)")
	flag.Uint64Var(&opts.gasLimit, "gas-limit", 0, "gas limit (estimated when 0)")
	flag.Int64Var(&opts.nonce, "nonce", -1, "nonce (queried when negative)")
	flag.StringVar(&opts.keyHex, "key", "", "hex private key to sign with")
	flag.BoolVar(&opts.useKeystore, "keystore", false, "sign with the sender's keystore key")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "assemble and sign without sending")
	debug := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, opts); err != nil {
		logger.Error("txsend failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts options) error {
	network := chain.Network(cfg.DefaultNetwork)
	if opts.network != "" {
		n, err := chain.Parse(opts.network)
		if err != nil {
			return fmt.Errorf("%w %q", err, opts.network)
		}
		network = n
	}

	key, err := loadKey(cfg, opts)
	if err != nil {
		return err
	}
	if key != nil && opts.from == "" {
		opts.from = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}

	in, err := buildInput(network, opts)
	if err != nil {
		return err
	}

	dialed, err := node.DialFromConfig(ctx, network, cfg, logger)
	if err != nil {
		return err
	}
	defer dialed.Close()

	c := client.New(map[chain.Network]client.Backend{network: dialed.Service}, client.OptionsFromConfig(cfg), logger)

	if opts.dryRun {
		return dryRun(ctx, os.Stdout, c, in, key)
	}
	task, err := c.SendTransaction(ctx, in, key)
	if err != nil {
		return err
	}
	for e := range task.Events() {
		printEvent(os.Stdout, e)
	}
	receipt, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	logger.Info("transaction confirmed", "hash", receipt.TxHash.Hex(), "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	return nil
}

func dryRun(ctx context.Context, out io.Writer, c *client.Client, in txbuilder.Input, key *ecdsa.PrivateKey) error {
	asm, err := c.CreateTransaction(ctx, in)
	if err != nil {
		return err
	}
	// the stream closes once the draft is ready or invalid
	for e := range asm.Events() {
		printEvent(out, e)
	}
	if _, err := asm.Wait(ctx); err != nil {
		return err
	}
	tx, err := asm.TransportTransaction()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tx); err != nil {
		return err
	}
	if err := asm.Validate(); err != nil {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	if key == nil {
		return nil
	}
	raw, err := asm.Sign(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signed: %s\n", hexutil.Encode(raw))
	return nil
}

func buildInput(network chain.Network, opts options) (txbuilder.Input, error) {
	in := txbuilder.Input{
		Network:      network.String(),
		From:         strings.TrimSpace(opts.from),
		To:           strings.TrimSpace(opts.to),
		Value:        opts.value,
		Denomination: opts.denomination,
		Data:         opts.data,
	}
	if opts.gasPriceGwei != "" {
		// gwin shares the gwei magnitude
		unit, err := units.Convert("gwei", chain.Ethereum, network)
		if err != nil {
			return in, err
		}
		wei, err := units.ToBase(opts.gasPriceGwei, unit, network)
		if err != nil {
			return in, fmt.Errorf("gas price: %w", err)
		}
		in.GasPrice = wei.String()
	}
	if opts.gasLimit > 0 {
		limit := opts.gasLimit
		in.GasLimit = &limit
	}
	if opts.nonce >= 0 {
		nonce := uint64(opts.nonce)
		in.Nonce = &nonce
	}
	return in, nil
}

func loadKey(cfg *config.Config, opts options) (*ecdsa.PrivateKey, error) {
	if opts.keyHex != "" && opts.useKeystore {
		return nil, errors.New("use either -key or -keystore")
	}
	if opts.keyHex != "" {
		return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(opts.keyHex), "0x"))
	}
	if !opts.useKeystore {
		return nil, nil
	}
	if !common.IsHexAddress(opts.from) {
		return nil, errors.New("-keystore requires a valid -from address")
	}
	m, err := keys.NewManager(cfg.KeyStore.Dir, os.Getenv(cfg.KeyStore.PassphraseEnv))
	if err != nil {
		return nil, err
	}
	return m.PrivateKey(common.HexToAddress(opts.from))
}

func printEvent(w io.Writer, e progress.Event) {
	switch e.Kind {
	case progress.KindMessage:
		fmt.Fprintf(w, "... %s\n", e.Message)
	case progress.KindInvalid:
		fmt.Fprintf(w, "invalid %s: %s\n", e.Field, e.Reason)
	case progress.KindError:
		fmt.Fprintf(w, "error: %v\n", e.Err)
	case progress.KindTransactionHash:
		fmt.Fprintf(w, "hash: %s\n", e.Hash.Hex())
	case progress.KindReceipt:
		fmt.Fprintf(w, "mined in block %s (status %d)\n", e.Receipt.BlockNumber, e.Receipt.Status)
	case progress.KindConfirmation:
		fmt.Fprintf(w, "confirmation %d\n", e.Confirmation)
	}
}

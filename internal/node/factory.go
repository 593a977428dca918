package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/config"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/units"
)

// Dialed bundles a connected service with its gas price oracle. Close
// releases the RPC connection.
type Dialed struct {
	Service *Service
	Oracle  *GasPriceOracle
	client  *rpc.Client
}

func (d *Dialed) Close() {
	if d.client != nil {
		d.client.Close()
	}
}

func NewOracleFromConfig(client PriceSource, cfg *config.Config) (*GasPriceOracle, error) {
	minWei, err := units.GweiToWei(cfg.Tx.MinGasPriceGwei)
	if err != nil {
		return nil, err
	}
	return NewGasPriceOracle(client, GasPriceOracleConfig{
		RefreshInterval: cfg.Tx.GasPriceRefresh.Duration,
		MinGasPriceWei:  minWei,
	}), nil
}

// DialFromConfig connects to the configured RPC endpoint of network. The
// oracle is wired into the service but not started.
func DialFromConfig(ctx context.Context, network chain.Network, cfg *config.Config, logger *slog.Logger) (*Dialed, error) {
	ncfg, ok := cfg.Network(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", chain.ErrInvalidNetwork, network)
	}
	rpcClient, err := rpc.DialContext(ctx, ncfg.RPC.HTTP)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", network, err)
	}
	rpcClient.SetHeader("User-Agent", "cryptocurve-sdk")
	ethClient := ethclient.NewClient(rpcClient)

	oracle, err := NewOracleFromConfig(ethClient, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	svc := NewService(network, ethClient, rpcClient, Options{
		GasLimitMultiplier: cfg.Tx.GasLimitMultiplier,
		RequestTimeout:     ncfg.RequestTimeout.Duration,
		Oracle:             oracle,
	}, logger)
	return &Dialed{Service: svc, Oracle: oracle, client: rpcClient}, nil
}

// DialAll dials every configured network and probes each node until it
// answers. On error every connection already opened is closed.
func DialAll(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[chain.Network]*Dialed, error) {
	out := make(map[chain.Network]*Dialed)
	closeAll := func() {
		for _, d := range out {
			d.Close()
		}
	}
	for _, network := range cfg.Configured() {
		ncfg, _ := cfg.Network(network)
		d, err := DialFromConfig(ctx, network, cfg, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		out[network] = d
		head, err := d.Service.Probe(ctx, ncfg.RetryMax, ncfg.RetryBackoff.Duration)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("probe %s: %w", network, err)
		}
		logger.Info("node connected", "network", network.String(), "head", head)
	}
	return out, nil
}

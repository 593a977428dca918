package node

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

type PriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type GasPriceOracleConfig struct {
	RefreshInterval time.Duration
	MinGasPriceWei  *big.Int
}

// GasPriceOracle caches the node's suggested gas price and refreshes it in
// the background once Start runs. Prices below MinGasPriceWei are raised to
// it.
type GasPriceOracle struct {
	client PriceSource
	cfg    GasPriceOracleConfig

	mu       sync.RWMutex
	price    *big.Int
	lastSync time.Time
}

func NewGasPriceOracle(client PriceSource, cfg GasPriceOracleConfig) *GasPriceOracle {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Second
	}
	return &GasPriceOracle{client: client, cfg: cfg}
}

func (o *GasPriceOracle) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.RefreshInterval)
	defer ticker.Stop()

	_ = o.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = o.Refresh(ctx)
		}
	}
}

func (o *GasPriceOracle) Refresh(ctx context.Context) error {
	price, err := o.client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	if price == nil {
		return errors.New("node returned no gas price")
	}
	if o.cfg.MinGasPriceWei != nil && price.Cmp(o.cfg.MinGasPriceWei) < 0 {
		price = new(big.Int).Set(o.cfg.MinGasPriceWei)
	}
	o.mu.Lock()
	o.price = price
	o.lastSync = time.Now()
	o.mu.Unlock()
	return nil
}

// GasPrice returns the cached price, fetching it first if the oracle has
// never synced.
func (o *GasPriceOracle) GasPrice(ctx context.Context) (*big.Int, error) {
	o.mu.RLock()
	price := o.price
	o.mu.RUnlock()
	if price != nil {
		return new(big.Int).Set(price), nil
	}
	if err := o.Refresh(ctx); err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.price == nil {
		return nil, errors.New("gas price oracle unavailable")
	}
	return new(big.Int).Set(o.price), nil
}

func (o *GasPriceOracle) LastSync() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSync
}

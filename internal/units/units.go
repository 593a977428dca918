package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
)

type unit struct {
	name string
	exp  int32
}

// Lookup order matters for Convert: the first unit with a matching
// magnitude on the target network wins.
var tables = map[chain.Network][]unit{
	chain.Ethereum: {
		{"wei", 0},
		{"kwei", 3},
		{"ada", 3},
		{"femtoether", 3},
		{"mwei", 6},
		{"babbage", 6},
		{"picoether", 6},
		{"gwei", 9},
		{"shannon", 9},
		{"nanoether", 9},
		{"nano", 9},
		{"szabo", 12},
		{"microether", 12},
		{"micro", 12},
		{"finney", 15},
		{"milliether", 15},
		{"milli", 15},
		{"ether", 18},
		{"kether", 21},
		{"grand", 21},
		{"einstein", 21},
		{"mether", 24},
		{"gether", 27},
		{"tether", 30},
	},
	chain.Wanchain: {
		{"win", 0},
		{"kwin", 3},
		{"mwin", 6},
		{"gwin", 9},
		{"szabo", 12},
		{"finney", 15},
		{"wan", 18},
	},
}

var ErrUnknownUnit = errors.New("unknown unit")

func exponent(name string, network chain.Network) (int32, error) {
	table, ok := tables[network]
	if !ok {
		return 0, chain.ErrInvalidNetwork
	}
	name = strings.ToLower(strings.TrimSpace(name))
	for _, u := range table {
		if u.name == name {
			return u.exp, nil
		}
	}
	return 0, fmt.Errorf("%w %q on %s", ErrUnknownUnit, name, network)
}

// Convert maps a unit name on the source network to the unit of the same
// magnitude on the target network.
func Convert(name string, source, target chain.Network) (string, error) {
	exp, err := exponent(name, source)
	if err != nil {
		return "", err
	}
	for _, u := range tables[target] {
		if u.exp == exp {
			return u.name, nil
		}
	}
	return "", fmt.Errorf("unable to convert %s from %s to %s", name, source, target)
}

// Units returns the denomination names known for a network.
func Units(network chain.Network) []string {
	table := tables[network]
	out := make([]string, 0, len(table))
	for _, u := range table {
		out = append(out, u.name)
	}
	return out
}

// ToBase converts a decimal amount in the given denomination to the
// network's smallest unit. An empty denomination means the smallest unit.
// Hex values (0x...) are only accepted in the smallest unit.
func ToBase(value string, denomination string, network chain.Network) (*big.Int, error) {
	if denomination == "" {
		denomination = network.BaseUnit()
	}
	// both tables share magnitudes, so the canonical exponent comes from
	// the ethereum table
	canonical, err := Convert(denomination, network, chain.Ethereum)
	if err != nil {
		return nil, err
	}
	exp, err := exponent(canonical, chain.Ethereum)
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("amount is empty")
	}
	if hasHexPrefix(value) {
		if exp != 0 {
			return nil, fmt.Errorf("hex amount requires %s denomination", network.BaseUnit())
		}
		return ParseBig(value)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if d.IsNegative() {
		return nil, errors.New("amount must be non-negative")
	}
	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("too many decimal places for %s", denomination)
	}
	return shifted.BigInt(), nil
}

// FromBase renders a smallest-unit amount in the given denomination.
func FromBase(v *big.Int, denomination string, network chain.Network) (string, error) {
	if v == nil {
		return "", errors.New("amount is nil")
	}
	if denomination == "" {
		denomination = network.Coin()
	}
	exp, err := exponent(denomination, network)
	if err != nil {
		return "", err
	}
	return decimal.NewFromBigInt(v, -exp).String(), nil
}

// GweiToWei converts a gas price given in gwei to wei.
func GweiToWei(gwei float64) (*big.Int, error) {
	if gwei < 0 {
		return nil, errors.New("gwei must be non-negative")
	}
	return decimal.NewFromFloat(gwei).Shift(9).Truncate(0).BigInt(), nil
}

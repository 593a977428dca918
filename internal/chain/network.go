package chain

import (
	"errors"
	"strings"
)

type Network string

const (
	Ethereum Network = "eth"
	Wanchain Network = "wan"
)

var ErrInvalidNetwork = errors.New("invalid network")

// Networks lists every network the SDK can assemble transactions for.
var Networks = []Network{Ethereum, Wanchain}

// Parse resolves a user supplied network name. The long names are accepted
// for convenience; an empty name resolves to Ethereum.
func Parse(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "eth", "ethereum":
		return Ethereum, nil
	case "wan", "wanchain":
		return Wanchain, nil
	default:
		return "", ErrInvalidNetwork
	}
}

func (n Network) Valid() bool {
	return n == Ethereum || n == Wanchain
}

// BaseUnit is the smallest denomination of the network, used when a value
// is given without a denomination.
func (n Network) BaseUnit() string {
	switch n {
	case Wanchain:
		return "win"
	default:
		return "wei"
	}
}

// Coin is the whole-coin denomination of the network.
func (n Network) Coin() string {
	switch n {
	case Wanchain:
		return "wan"
	default:
		return "ether"
	}
}

func (n Network) String() string {
	return string(n)
}

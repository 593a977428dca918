package units

import (
	"math/big"
	"testing"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
)

func TestConvert(t *testing.T) {
	got, err := Convert("gwin", chain.Wanchain, chain.Ethereum)
	if err != nil {
		t.Fatalf("Convert error: %v", err)
	}
	if got != "gwei" {
		t.Fatalf("unexpected unit: %s", got)
	}
	got, err = Convert("wan", chain.Wanchain, chain.Ethereum)
	if err != nil {
		t.Fatalf("Convert error: %v", err)
	}
	if got != "ether" {
		t.Fatalf("unexpected unit: %s", got)
	}
	if _, err := Convert("tether", chain.Ethereum, chain.Wanchain); err == nil {
		t.Fatalf("expected error converting tether to wanchain")
	}
	if _, err := Convert("ether", chain.Wanchain, chain.Ethereum); err == nil {
		t.Fatalf("expected error for unit unknown on source network")
	}
}

func TestToBase(t *testing.T) {
	v, err := ToBase("0.001", "ether", chain.Ethereum)
	if err != nil {
		t.Fatalf("ToBase error: %v", err)
	}
	if v.String() != "1000000000000000" {
		t.Fatalf("unexpected value: %s", v.String())
	}

	v, err = ToBase("1.5", "wan", chain.Wanchain)
	if err != nil {
		t.Fatalf("ToBase error: %v", err)
	}
	if v.String() != "1500000000000000000" {
		t.Fatalf("unexpected value: %s", v.String())
	}

	v, err = ToBase("42", "", chain.Wanchain)
	if err != nil {
		t.Fatalf("ToBase error: %v", err)
	}
	if v.Int64() != 42 {
		t.Fatalf("unexpected value: %s", v.String())
	}

	v, err = ToBase("0x2a", "wei", chain.Ethereum)
	if err != nil {
		t.Fatalf("ToBase error: %v", err)
	}
	if v.Int64() != 42 {
		t.Fatalf("unexpected value: %s", v.String())
	}
}

func TestToBaseRejects(t *testing.T) {
	bad := []struct {
		value string
		denom string
	}{
		{"0.5", "wei"},
		{"-1", "ether"},
		{"abc", "ether"},
		{"", "ether"},
		{"1", "doge"},
		{"0x10", "ether"},
	}
	for _, c := range bad {
		if _, err := ToBase(c.value, c.denom, chain.Ethereum); err == nil {
			t.Fatalf("expected error for %q %q", c.value, c.denom)
		}
	}
}

func TestFromBaseRoundTrip(t *testing.T) {
	values := []string{"0", "1", "999", "1000000000000000", "123456789012345678901"}
	for _, s := range values {
		v, _ := new(big.Int).SetString(s, 10)
		for _, denom := range []string{"wei", "gwei", "ether", "tether"} {
			text, err := FromBase(v, denom, chain.Ethereum)
			if err != nil {
				t.Fatalf("FromBase error: %v", err)
			}
			back, err := ToBase(text, denom, chain.Ethereum)
			if err != nil {
				t.Fatalf("ToBase(%q, %s) error: %v", text, denom, err)
			}
			if back.Cmp(v) != 0 {
				t.Fatalf("round trip %s via %s: got %s", s, denom, back)
			}
		}
	}
}

func TestParseBig(t *testing.T) {
	v, err := ParseBig("0x04a817c800")
	if err != nil {
		t.Fatalf("ParseBig error: %v", err)
	}
	if v.String() != "20000000000" {
		t.Fatalf("unexpected value: %s", v.String())
	}
	if _, err := ParseBig("-5"); err == nil {
		t.Fatalf("expected error for negative value")
	}
}

func TestGweiToWei(t *testing.T) {
	v, err := GweiToWei(1.5)
	if err != nil {
		t.Fatalf("GweiToWei error: %v", err)
	}
	if v.String() != "1500000000" {
		t.Fatalf("unexpected value: %s", v.String())
	}
}

package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/codec"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/progress"
)

const (
	testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	receiver   = "0x3535353535353535353535353535353535353535"
)

type fakeQuery struct {
	mu        sync.Mutex
	calls     map[string]int
	chainID   *big.Int
	nonce     uint64
	gasPrice  *big.Int
	balance   *big.Int
	gas       uint64
	estimates []Draft
	errs      map[string]error

	// when set, ChainID signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		calls:    make(map[string]int),
		errs:     make(map[string]error),
		chainID:  big.NewInt(1),
		nonce:    5,
		gasPrice: big.NewInt(20000000000),
		balance:  new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		gas:      21000,
	}
}

func (f *fakeQuery) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.errs[name]
}

func (f *fakeQuery) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeQuery) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeQuery) ChainID(ctx context.Context) (*big.Int, error) {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	if err := f.record("chainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.chainID), nil
}

func (f *fakeQuery) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := f.record("balance"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeQuery) Nonce(ctx context.Context, address string) (uint64, error) {
	if err := f.record("nonce"); err != nil {
		return 0, err
	}
	return f.nonce, nil
}

func (f *fakeQuery) GasPrice(ctx context.Context) (*big.Int, error) {
	if err := f.record("gasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeQuery) EstimateGas(ctx context.Context, d Draft) (uint64, error) {
	if err := f.record("estimateGas"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.estimates = append(f.estimates, d)
	f.mu.Unlock()
	return f.gas, nil
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("HexToECDSA error: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func waitDraft(t *testing.T, a *Assembler) (Draft, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := a.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("draft did not settle, state=%s", a.State())
	}
	return d, err
}

func u64(v uint64) *uint64 { return &v }

func TestLoadAllExplicitIssuesNoQueries(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{
		Network:  "eth",
		From:     from,
		To:       receiver,
		Value:    "1000",
		GasPrice: "5",
		GasLimit: u64(21000),
		Nonce:    u64(0),
		ChainID:  u64(3),
		Balance:  "0x3b9aca00",
		Data:     "0xdeadbeef",
	})
	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if n := q.total(); n != 0 {
		t.Fatalf("expected no node queries, got %d (%v)", n, q.calls)
	}
	if *d.Nonce != 0 || *d.GasLimit != 21000 || d.ChainID.Int64() != 3 {
		t.Fatalf("unexpected draft %+v", d)
	}
	if d.Balance.Int64() != 1000000000 || d.Value.Int64() != 1000 {
		t.Fatalf("unexpected amounts value=%s balance=%s", d.Value, d.Balance)
	}
	if len(d.Data) != 4 || d.Data[0] != 0xde {
		t.Fatalf("unexpected data %x", d.Data)
	}
	if a.State() != StateReady {
		t.Fatalf("expected ready, got %s", a.State())
	}
	for f := Field(0); f < fieldCount; f++ {
		if a.Source(f) != SourceExplicit {
			t.Fatalf("expected %s to be explicit, got %s", f, a.Source(f))
		}
	}
}

func TestLoadDerivesEachMissingFieldOnce(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "ethereum", From: from, To: receiver, Value: "1", Denomination: "gwei"})
	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	for _, name := range []string{"chainID", "balance", "nonce", "gasPrice", "estimateGas"} {
		if c := q.count(name); c != 1 {
			t.Fatalf("expected exactly one %s query, got %d", name, c)
		}
	}
	if d.Network != chain.Ethereum || d.Value.Int64() != 1000000000 {
		t.Fatalf("unexpected draft network=%s value=%s", d.Network, d.Value)
	}
	if *d.GasLimit != 21000 || *d.Nonce != 5 || d.GasPrice.Int64() != 20000000000 {
		t.Fatalf("unexpected derived fields %+v", d)
	}
	if len(d.Data) != 0 || d.Data == nil {
		t.Fatalf("data should default to empty, got %v", d.Data)
	}
	if a.Source(FieldGasLimit) != SourceDerived || a.Source(FieldNonce) != SourceDerived {
		t.Fatalf("expected derived sources")
	}
}

func TestExplicitGasLimitSkipsEstimate(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{
		Network:      "eth",
		From:         from,
		To:           receiver,
		Value:        "0.001",
		Denomination: "ether",
		GasLimit:     u64(21000),
	})
	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if d.Value.String() != "1000000000000000" {
		t.Fatalf("unexpected value %s", d.Value)
	}
	if c := q.count("estimateGas"); c != 0 {
		t.Fatalf("estimateGas called %d times", c)
	}
	if *d.Nonce != 5 || d.ChainID.Int64() != 1 || d.GasPrice.Int64() != 20000000000 {
		t.Fatalf("unexpected draft %+v", d)
	}
	if a.Source(FieldGasLimit) != SourceExplicit {
		t.Fatalf("gasLimit should stay explicit")
	}
}

func TestExplicitNonceNotOverwrittenBySender(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "0", Nonce: u64(42)})
	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if *d.Nonce != 42 {
		t.Fatalf("explicit nonce overwritten: %d", *d.Nonce)
	}
	if c := q.count("nonce"); c != 0 {
		t.Fatalf("nonce queried %d times", c)
	}
}

func TestLoadAllExplicitWithoutClientNeverDerives(t *testing.T) {
	_, from := testKey(t)
	in := Input{
		Network:  "eth",
		From:     from,
		To:       receiver,
		Value:    "1",
		GasPrice: "5",
		GasLimit: u64(21000),
		Nonce:    u64(1),
		ChainID:  u64(1),
		Balance:  "1000000",
	}
	for i := 0; i < 2000; i++ {
		a := NewAssembler(context.Background(), nil, nil, nil)
		a.Load(in)
		d, err := waitDraft(t, a)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if *d.GasLimit != 21000 {
			t.Fatalf("load %d: unexpected gas limit %d", i, *d.GasLimit)
		}
	}
}

func TestExplicitGasLimitSurvivesValueAndPriceChanges(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	q.entered = make(chan struct{})
	q.release = make(chan struct{})
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1", GasLimit: u64(30000)})

	select {
	case <-q.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("chain id query never started")
	}
	a.SetValue("2", "gwei")
	a.SetGasPrice(big.NewInt(7))
	close(q.release)

	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if c := q.count("estimateGas"); c != 0 {
		t.Fatalf("estimateGas called %d times", c)
	}
	if *d.GasLimit != 30000 || d.GasPrice.Int64() != 7 || d.Value.Int64() != 2000000000 {
		t.Fatalf("unexpected draft gasLimit=%d gasPrice=%s value=%s", *d.GasLimit, d.GasPrice, d.Value)
	}
	if a.Source(FieldGasLimit) != SourceExplicit {
		t.Fatalf("gasLimit should stay explicit")
	}
}

func TestCheckSufficientFunds(t *testing.T) {
	_, from := testKey(t)
	build := func(balance string) *Assembler {
		a := NewAssembler(context.Background(), nil, nil, nil)
		a.Load(Input{
			Network:  "eth",
			From:     from,
			To:       receiver,
			Value:    "10",
			GasPrice: "5",
			GasLimit: u64(10),
			Nonce:    u64(1),
			ChainID:  u64(1),
			Balance:  balance,
		})
		if _, err := waitDraft(t, a); err != nil {
			t.Fatalf("Wait error: %v", err)
		}
		return a
	}

	ok, err := build("100").CheckSufficientFunds()
	if err != nil || !ok {
		t.Fatalf("cost 60 <= balance 100 should be sufficient, got %v (%v)", ok, err)
	}
	ok, err = build("60").CheckSufficientFunds()
	if err != nil || !ok {
		t.Fatalf("cost equal to balance should be sufficient, got %v (%v)", ok, err)
	}
	poor := build("59")
	if ok, _ := poor.CheckSufficientFunds(); ok {
		t.Fatalf("balance 59 should be insufficient")
	}
	if err := poor.Validate(); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := poor.Validate(); err.Error() != "transaction invalid: insufficient funds" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestChecksRequireReady(t *testing.T) {
	a := NewAssembler(context.Background(), nil, nil, nil)
	if _, err := a.CheckSufficientFunds(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if err := a.Validate(); err == nil || err.Error() != "transaction invalid: not ready" {
		t.Fatalf("unexpected validate error %v", err)
	}
	if _, err := a.TransportTransaction(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if _, err := a.Hash(); !errors.Is(err, ErrIncompleteTransaction) {
		t.Fatalf("expected incomplete, got %v", err)
	}
}

func TestInvalidReceiverStopsDerivation(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: "0x123", Value: "1"})
	_, err := waitDraft(t, a)
	var ferr *FieldError
	if !errors.As(err, &ferr) || ferr.Field != FieldTo {
		t.Fatalf("expected receiver field error, got %v", err)
	}
	if err.Error() != `invalid value "to": invalid address "0x123"` {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if n := q.total(); n != 0 {
		t.Fatalf("expected no node queries after invalid receiver, got %v", q.calls)
	}
	if a.State() != StateInvalid {
		t.Fatalf("expected invalid, got %s", a.State())
	}
	if _, ok := a.InvalidFields()[FieldTo]; !ok {
		t.Fatalf("expected to in invalid set: %v", a.InvalidFields())
	}
}

func TestWanchainChecksumEnforced(t *testing.T) {
	_, from := testKey(t)
	eip55 := codec.Ethereum{}.ToChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	a := NewAssembler(context.Background(), newFakeQuery(), nil, nil)
	a.Load(Input{Network: "wan", From: strings.ToLower(from), To: eip55, Value: "1"})
	_, err := waitDraft(t, a)
	var ferr *FieldError
	if !errors.As(err, &ferr) || ferr.Field != FieldTo {
		t.Fatalf("expected wanchain receiver to be rejected, got %v", err)
	}
}

func TestQueryFailureInvalidatesAndDiscardsQueue(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	q.errs["chainID"] = errors.New("connection refused")
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1"})
	_, err := waitDraft(t, a)
	var ferr *FieldError
	if !errors.As(err, &ferr) || ferr.Field != FieldChainID {
		t.Fatalf("expected chainId field error, got %v", err)
	}
	if c := q.count("balance") + q.count("nonce") + q.count("gasPrice") + q.count("estimateGas"); c != 0 {
		t.Fatalf("queued commands ran after failure: %v", q.calls)
	}
}

func TestEstimateFailureIsWrapped(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	q.errs["estimateGas"] = errors.New("execution reverted")
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1"})
	_, err := waitDraft(t, a)
	var gerr *EstimateGasError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected EstimateGasError, got %v", err)
	}
	if gerr.Tx.From != from || gerr.Tx.Value.ToInt().Int64() != 1 {
		t.Fatalf("unexpected estimate payload %+v", gerr.Tx)
	}
}

func TestNoClientAvailable(t *testing.T) {
	_, from := testKey(t)
	a := NewAssembler(context.Background(), nil, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1"})
	_, err := waitDraft(t, a)
	if err == nil || !strings.Contains(err.Error(), "cannot set chainId with no client available") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestMalformedInputFailsSynchronously(t *testing.T) {
	a := NewAssembler(context.Background(), newFakeQuery(), nil, nil)
	a.Load(Input{Network: "eth", GasPrice: "twenty"})
	if a.State() != StateInvalid {
		t.Fatalf("expected invalid right after Load, got %s", a.State())
	}
	if _, ok := a.InvalidFields()[FieldGasPrice]; !ok {
		t.Fatalf("expected gasPrice invalid: %v", a.InvalidFields())
	}
}

func TestInvalidNetwork(t *testing.T) {
	a := NewAssembler(context.Background(), newFakeQuery(), nil, nil)
	a.Load(Input{Network: "btc", To: receiver, Value: "1"})
	_, err := waitDraft(t, a)
	if !errors.Is(err, chain.ErrInvalidNetwork) {
		t.Fatalf("expected invalid network, got %v", err)
	}
}

func TestSameFieldCoalescing(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	q.entered = make(chan struct{})
	q.release = make(chan struct{})
	a := NewAssembler(context.Background(), q, nil, nil)

	var valueSets int32
	a.Observe(func(e progress.Event) {
		if e.Kind == progress.KindMessage && e.Message == "value set" {
			atomic.AddInt32(&valueSets, 1)
		}
	})
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1", Denomination: "ether"})

	select {
	case <-q.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("chain id query never started")
	}
	a.SetValue("2", "ether")
	a.SetValue("3", "ether")
	close(q.release)

	d, err := waitDraft(t, a)
	if err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(3), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if d.Value.Cmp(want) != 0 {
		t.Fatalf("expected latest value %s, got %s", want, d.Value)
	}
	if n := atomic.LoadInt32(&valueSets); n != 1 {
		t.Fatalf("expected one value update, got %d", n)
	}
	if len(q.estimates) != 1 || q.estimates[0].Value.Cmp(want) != 0 {
		t.Fatalf("expected a single estimate on the latest value, got %d", len(q.estimates))
	}
}

func TestTerminalStateIgnoresSetters(t *testing.T) {
	_, from := testKey(t)
	q := newFakeQuery()
	a := NewAssembler(context.Background(), q, nil, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "7"})
	if _, err := waitDraft(t, a); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	before := q.total()
	a.SetValue("9", "")
	a.SetGasPrice(nil)
	time.Sleep(20 * time.Millisecond)
	if a.State() != StateReady || a.Draft().Value.Int64() != 7 {
		t.Fatalf("ready draft changed: %s %s", a.State(), a.Draft().Value)
	}
	if q.total() != before {
		t.Fatalf("setters after ready issued queries")
	}
}

func TestEventsCloseAfterReady(t *testing.T) {
	_, from := testKey(t)
	a := NewAssembler(context.Background(), newFakeQuery(), nil, nil)
	events := a.Events()
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1"})

	var kinds []progress.Kind
	var last string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-events:
			if !ok {
				done = true
				break
			}
			kinds = append(kinds, e.Kind)
			last = e.Message
		case <-timeout:
			t.Fatalf("event stream did not close")
		}
	}
	if len(kinds) == 0 || last != "transaction ready" {
		t.Fatalf("unexpected events %v, last=%q", kinds, last)
	}
	for _, k := range kinds {
		if k != progress.KindMessage {
			t.Fatalf("unexpected event kind %s", k)
		}
	}
}

type countingCodec struct {
	codec.Ethereum
	signs *int32
	err   error
}

func (c countingCodec) SignRawTransaction(tx codec.Tx, key *ecdsa.PrivateKey) ([]byte, error) {
	atomic.AddInt32(c.signs, 1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Ethereum.SignRawTransaction(tx, key)
}

type singleCodec struct{ c codec.Codec }

func (s singleCodec) For(chain.Network) (codec.Codec, error) { return s.c, nil }

func readyAssembler(t *testing.T, codecs codec.Set) *Assembler {
	t.Helper()
	_, from := testKey(t)
	a := NewAssembler(context.Background(), newFakeQuery(), codecs, nil)
	a.Load(Input{Network: "eth", From: from, To: receiver, Value: "1", ChainID: u64(3)})
	if _, err := waitDraft(t, a); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	return a
}

func TestSignBeforeReadyDoesNotReachCodec(t *testing.T) {
	key, _ := testKey(t)
	var signs int32
	a := NewAssembler(context.Background(), nil, singleCodec{countingCodec{signs: &signs}}, nil)
	_, err := a.Sign(key)
	if !errors.Is(err, ErrIncompleteTransaction) || err.Error() != "cannot sign incomplete transaction" {
		t.Fatalf("unexpected error %v", err)
	}
	if signs != 0 {
		t.Fatalf("codec called for pending draft")
	}
}

func TestSignCodecFailureHidesDetail(t *testing.T) {
	key, _ := testKey(t)
	var signs int32
	a := readyAssembler(t, singleCodec{countingCodec{signs: &signs, err: errors.New("secp256k1 exploded")}})
	_, err := a.Sign(key)
	if !errors.Is(err, ErrUnsupportedNetwork) || strings.Contains(err.Error(), "secp256k1") {
		t.Fatalf("unexpected error %v", err)
	}
	if signs != 1 {
		t.Fatalf("expected one codec call, got %d", signs)
	}
}

func TestSignReadyDraft(t *testing.T) {
	key, from := testKey(t)
	a := readyAssembler(t, nil)
	raw, err := a.Sign(key)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(3)), &tx)
	if err != nil {
		t.Fatalf("Sender error: %v", err)
	}
	if sender.Hex() != from {
		t.Fatalf("unexpected sender %s", sender.Hex())
	}
	if tx.Nonce() != 5 || tx.Gas() != 21000 || tx.Value().Int64() != 1 {
		t.Fatalf("signed fields mismatch")
	}
	hash, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if hash != types.NewEIP155Signer(big.NewInt(3)).Hash(&tx) {
		t.Fatalf("hash does not match signing hash")
	}
}

func TestTransportTransaction(t *testing.T) {
	_, from := testKey(t)
	a := readyAssembler(t, nil)
	tx, err := a.TransportTransaction()
	if err != nil {
		t.Fatalf("TransportTransaction error: %v", err)
	}
	if tx.From != from || tx.To != receiver {
		t.Fatalf("unexpected addresses %+v", tx)
	}
	if uint64(*tx.Gas) != 21000 || uint64(*tx.Nonce) != 5 || tx.ChainID.ToInt().Int64() != 3 {
		t.Fatalf("unexpected transport fields %+v", tx)
	}
}

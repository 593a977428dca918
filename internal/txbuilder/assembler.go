package txbuilder

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/codec"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/progress"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/units"
)

// Assembler drives one Draft from partial input to Ready or Invalid.
//
// Setters never block. Each queues a command; a single executor goroutine
// per assembler runs queued commands one at a time in FIFO order, querying
// the node for fields the caller left out. Queuing a command for a field
// that already has one queued replaces the older command. Once the queue is
// empty and every field is set, the assembler resolves with the draft. The
// first failure marks the draft Invalid and discards the rest of the queue.
type Assembler struct {
	ctx    context.Context
	query  NodeQuery
	codecs codec.Set
	logger *slog.Logger
	task   *progress.Task[Draft]

	mu      sync.Mutex
	draft   Draft
	sources [fieldCount]Source
	invalid map[Field]string
	state   State
	queue   []command
	running bool
}

// NewAssembler returns an empty Pending assembler. query may be nil, in
// which case every field must be supplied explicitly. ctx bounds the node
// queries the assembler issues.
func NewAssembler(ctx context.Context, query NodeQuery, codecs codec.Set, logger *slog.Logger) *Assembler {
	if ctx == nil {
		ctx = context.Background()
	}
	if codecs == nil {
		codecs = codec.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Assembler{
		ctx:     ctx,
		query:   query,
		codecs:  codecs,
		logger:  logger,
		task:    progress.NewTask[Draft](),
		invalid: make(map[Field]string),
	}
}

// Observe registers a callback for every progress event. It must not block
// or call back into the assembler.
func (a *Assembler) Observe(fn func(progress.Event)) {
	a.task.Observe(fn)
}

func (a *Assembler) Events() <-chan progress.Event {
	return a.task.Events()
}

// Done is closed once the draft is Ready or Invalid.
func (a *Assembler) Done() <-chan struct{} {
	return a.task.Done()
}

// Wait blocks until the draft is Ready or Invalid. The error of an Invalid
// draft is a *FieldError.
func (a *Assembler) Wait(ctx context.Context) (Draft, error) {
	return a.task.Wait(ctx)
}

func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Draft returns a copy of the current field values.
func (a *Assembler) Draft() Draft {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft.clone()
}

func (a *Assembler) Source(f Field) Source {
	if f < 0 || f >= fieldCount {
		return SourceUnset
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sources[f]
}

// InvalidFields maps each failed field to its reason.
func (a *Assembler) InvalidFields() map[Field]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Field]string, len(a.invalid))
	for f, reason := range a.invalid {
		out[f] = reason
	}
	return out
}

func (a *Assembler) SetNetwork(network string) {
	a.enqueue(setNetwork{network: network})
}

// SetChainID sets the chain id, or queries the node for it when id is nil.
func (a *Assembler) SetChainID(id *big.Int) {
	a.enqueue(setChainID{chainID: cloneBig(id)})
}

func (a *Assembler) SetReceiverAddress(address string) {
	a.enqueue(setReceiver{address: address})
}

// SetSenderAddress also refreshes the balance and, unless it was supplied
// explicitly, the nonce.
func (a *Assembler) SetSenderAddress(address string) {
	a.enqueue(setSender{address: address})
}

func (a *Assembler) SetNonce(nonce *uint64) {
	a.enqueue(setNonce{nonce: cloneUint(nonce)})
}

// SetValue converts value from denomination to the network's smallest
// unit. An empty denomination means the smallest unit.
func (a *Assembler) SetValue(value, denomination string) {
	a.enqueue(setValue{value: value, denomination: denomination})
}

func (a *Assembler) SetData(data []byte) {
	a.enqueue(setData{data: append([]byte{}, data...)})
}

func (a *Assembler) SetGasPrice(price *big.Int) {
	a.enqueue(setGasPrice{price: cloneBig(price)})
}

func (a *Assembler) SetGasLimit(limit *uint64) {
	a.enqueue(setGasLimit{limit: cloneUint(limit)})
}

// UpdateBalance sets the sender balance, or queries the node for it when
// balance is nil.
func (a *Assembler) UpdateBalance(balance *big.Int) {
	a.enqueue(updateBalance{balance: cloneBig(balance)})
}

// Load queues the whole input at once, so no derived field runs before the
// explicit fields it depends on are queued. Fields the input leaves out are
// derived: chainId and gasPrice directly, nonce and balance from the sender,
// and gasLimit from value and gasPrice. Malformed numeric or hex input marks
// the draft Invalid before anything is queued.
func (a *Assembler) Load(in Input) {
	var (
		gasPrice, balance *big.Int
		chainID           *big.Int
		data              []byte
		err               error
	)
	if in.GasPrice != "" {
		if gasPrice, err = units.ParseBig(in.GasPrice); err != nil {
			a.fail(FieldGasPrice, err)
			return
		}
	}
	if in.Balance != "" {
		if balance, err = units.ParseBig(in.Balance); err != nil {
			a.fail(FieldBalance, err)
			return
		}
	}
	if data, err = parseData(in.Data); err != nil {
		a.fail(FieldData, err)
		return
	}
	if in.ChainID != nil {
		chainID = new(big.Int).SetUint64(*in.ChainID)
	}

	cmds := []command{
		setNetwork{network: in.Network},
		setReceiver{address: in.To},
		setChainID{chainID: chainID},
	}
	if in.Nonce != nil {
		cmds = append(cmds, setNonce{nonce: cloneUint(in.Nonce)})
	}
	if balance != nil {
		cmds = append(cmds, updateBalance{balance: balance})
	}
	cmds = append(cmds,
		setSender{address: in.From},
		setValue{value: in.Value, denomination: in.Denomination},
		setData{data: data},
		setGasPrice{price: gasPrice},
	)
	if in.GasLimit != nil {
		cmds = append(cmds, setGasLimit{limit: cloneUint(in.GasLimit)})
	}
	a.enqueue(cmds...)
}

func parseData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// CheckSufficientFunds reports whether balance covers
// gasLimit * gasPrice + value. It needs a Ready draft.
func (a *Assembler) CheckSufficientFunds() (bool, error) {
	d, ok := a.ready()
	if !ok {
		return false, ErrNotReady
	}
	return d.Cost().Cmp(d.Balance) <= 0, nil
}

// Validate passes only for a Ready draft whose sender can pay for it.
func (a *Assembler) Validate() error {
	ok, err := a.CheckSufficientFunds()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientFunds
	}
	return nil
}

// Sign returns the signed, serialized transaction for the draft's network.
func (a *Assembler) Sign(key *ecdsa.PrivateKey) ([]byte, error) {
	d, ok := a.ready()
	if !ok {
		return nil, ErrIncompleteTransaction
	}
	c, err := a.codecs.For(d.Network)
	if err != nil {
		return nil, ErrUnsupportedNetwork
	}
	raw, err := c.SignRawTransaction(d.codecTx(), key)
	if err != nil {
		a.logger.Debug("sign failed", "network", d.Network.String(), "err", err)
		return nil, ErrUnsupportedNetwork
	}
	return raw, nil
}

// Hash returns the signing hash of a Ready draft.
func (a *Assembler) Hash() (common.Hash, error) {
	d, ok := a.ready()
	if !ok {
		return common.Hash{}, ErrIncompleteTransaction
	}
	c, err := a.codecs.For(d.Network)
	if err != nil {
		return common.Hash{}, ErrUnsupportedNetwork
	}
	h, err := c.Hash(d.codecTx())
	if err != nil {
		a.logger.Debug("hash failed", "network", d.Network.String(), "err", err)
		return common.Hash{}, ErrUnsupportedNetwork
	}
	return h, nil
}

// TransportTransaction returns the JSON-RPC view of a Ready draft, for
// submission through a node that holds the sender's key.
func (a *Assembler) TransportTransaction() (TransportTx, error) {
	d, ok := a.ready()
	if !ok {
		return TransportTx{}, ErrNotReady
	}
	return d.Transport(), nil
}

func (a *Assembler) ready() (Draft, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateReady {
		return Draft{}, false
	}
	return a.draft.clone(), true
}

// enqueue adds cmds under a single lock and starts the executor at most once.
func (a *Assembler) enqueue(cmds ...command) {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return
	}
	for _, c := range cmds {
		a.queue = coalesce(a.queue, c)
	}
	start := !a.running
	a.running = true
	a.mu.Unlock()
	if start {
		go a.drain()
	}
}

// drain is the executor loop. Commands run outside the lock against a
// snapshot of the draft; their results are applied under it.
func (a *Assembler) drain() {
	for {
		a.mu.Lock()
		if a.state != StatePending {
			a.queue = nil
			a.running = false
			a.mu.Unlock()
			return
		}
		if len(a.queue) == 0 {
			a.running = false
			done, d := a.checkReadyLocked()
			a.mu.Unlock()
			if done {
				a.logger.Debug("draft ready", "network", d.Network.String(), "from", d.From)
				a.task.Emit(progress.Message("transaction ready"))
				a.task.Resolve(d)
			}
			return
		}
		c := a.queue[0]
		a.queue = a.queue[1:]
		snapshot := a.draft.clone()
		a.mu.Unlock()

		u, err := a.execute(c, snapshot)
		if err != nil {
			a.fail(c.target(), err)
			continue
		}

		a.mu.Lock()
		if a.state != StatePending {
			a.mu.Unlock()
			continue
		}
		u.apply(&a.draft)
		a.sources[u.field] = u.source
		delete(a.invalid, u.field)
		for _, dep := range dependents(c) {
			if !a.lockedLocked(dep.target()) {
				a.queue = coalesce(a.queue, dep)
			}
		}
		a.mu.Unlock()

		a.logger.Debug("draft field set", "field", u.field.String(), "source", u.source.String())
		a.task.Emit(progress.Message(u.field.String() + " set"))
	}
}

// lockedLocked reports whether f holds, or is about to receive, an
// explicit value. Derived recomputation skips such fields.
func (a *Assembler) lockedLocked(f Field) bool {
	if a.sources[f] == SourceExplicit {
		return true
	}
	for _, q := range a.queue {
		if q.target() == f && q.explicit() {
			return true
		}
	}
	return false
}

func (a *Assembler) checkReadyLocked() (bool, Draft) {
	if len(a.invalid) > 0 || !a.draft.Complete() {
		return false, Draft{}
	}
	a.state = StateReady
	return true, a.draft.clone()
}

// fail marks the draft Invalid. Only the first failure is reported.
func (a *Assembler) fail(f Field, err error) {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return
	}
	a.invalid[f] = err.Error()
	a.state = StateInvalid
	a.queue = nil
	a.mu.Unlock()

	ferr := &FieldError{Field: f, Err: err}
	a.logger.Warn("draft invalid", "field", f.String(), "err", err)
	a.task.Emit(progress.Invalid(f.String(), err.Error()))
	a.task.Emit(progress.Error(ferr))
	a.task.Reject(ferr)
}

type update struct {
	field  Field
	source Source
	apply  func(*Draft)
}

func (a *Assembler) execute(c command, d Draft) (update, error) {
	src := SourceDerived
	if c.explicit() {
		src = SourceExplicit
	}
	u := update{field: c.target(), source: src}

	switch c := c.(type) {
	case setNetwork:
		n, err := chain.Parse(c.network)
		if err != nil {
			return u, fmt.Errorf("%w %q", err, c.network)
		}
		u.apply = func(d *Draft) { d.Network = n }

	case setChainID:
		id := c.chainID
		if id == nil {
			if a.query == nil {
				return u, errNoClient(FieldChainID)
			}
			var err error
			if id, err = a.query.ChainID(a.ctx); err != nil {
				return u, err
			}
		}
		if id == nil || id.Sign() <= 0 {
			return u, errors.New("chain id must be positive")
		}
		u.apply = func(d *Draft) { d.ChainID = id }

	case setReceiver:
		if err := a.checkAddress(d.Network, c.address); err != nil {
			return u, err
		}
		u.apply = func(d *Draft) { d.To = c.address }

	case setSender:
		if err := a.checkAddress(d.Network, c.address); err != nil {
			return u, err
		}
		u.apply = func(d *Draft) { d.From = c.address }

	case setNonce:
		nonce := c.nonce
		if nonce == nil {
			if d.From == "" {
				return u, errors.New("cannot set nonce without sender address")
			}
			if a.query == nil {
				return u, errNoClient(FieldNonce)
			}
			n, err := a.query.Nonce(a.ctx, d.From)
			if err != nil {
				return u, err
			}
			nonce = &n
		}
		u.apply = func(d *Draft) { d.Nonce = nonce }

	case setValue:
		if !d.Network.Valid() {
			return u, errors.New("cannot set value without network")
		}
		v, err := units.ToBase(c.value, c.denomination, d.Network)
		if err != nil {
			return u, err
		}
		u.apply = func(d *Draft) { d.Value = v }

	case setData:
		data := c.data
		u.apply = func(d *Draft) { d.Data = data }

	case setGasPrice:
		price := c.price
		if price == nil {
			if a.query == nil {
				return u, errNoClient(FieldGasPrice)
			}
			var err error
			if price, err = a.query.GasPrice(a.ctx); err != nil {
				return u, err
			}
		}
		if price == nil || price.Sign() < 0 {
			return u, errors.New("gas price must be non-negative")
		}
		u.apply = func(d *Draft) { d.GasPrice = price }

	case setGasLimit:
		limit := c.limit
		if limit == nil {
			if d.Value == nil || d.GasPrice == nil {
				return u, errors.New("cannot estimate gas limit without value and gas price")
			}
			if a.query == nil {
				return u, errNoClient(FieldGasLimit)
			}
			g, err := a.query.EstimateGas(a.ctx, d)
			if err != nil {
				return u, &EstimateGasError{Err: err, Tx: d.Transport()}
			}
			limit = &g
		}
		u.apply = func(d *Draft) { d.GasLimit = limit }

	case updateBalance:
		balance := c.balance
		if balance == nil {
			if d.From == "" {
				return u, errors.New("cannot update balance without sender address")
			}
			if a.query == nil {
				return u, errNoClient(FieldBalance)
			}
			var err error
			if balance, err = a.query.Balance(a.ctx, d.From); err != nil {
				return u, err
			}
		}
		if balance == nil || balance.Sign() < 0 {
			return u, errors.New("balance must be non-negative")
		}
		u.apply = func(d *Draft) { d.Balance = balance }

	default:
		return u, fmt.Errorf("unknown command %T", c)
	}
	return u, nil
}

func (a *Assembler) checkAddress(network chain.Network, address string) error {
	if !network.Valid() {
		return errors.New("cannot validate address without network")
	}
	c, err := a.codecs.For(network)
	if err != nil {
		return err
	}
	if !c.IsValidAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

func errNoClient(f Field) error {
	return fmt.Errorf("cannot set %s with no client available", f)
}

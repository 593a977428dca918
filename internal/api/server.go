package api

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/client"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/codec"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/config"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/journal"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/keys"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/progress"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/txbuilder"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/units"
)

type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	keys    *keys.Manager
	client  *client.Client
	journal *journal.Store
}

func NewServer(cfg *config.Config, logger *slog.Logger, keys *keys.Manager, c *client.Client, j *journal.Store) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{cfg: cfg, logger: logger, keys: keys, client: c, journal: j}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/keys", s.withAuth(s.handleKeys))
	mux.HandleFunc("/balances", s.withAuth(s.handleBalances))
	mux.HandleFunc("/units/convert", s.withAuth(s.handleConvert))
	mux.HandleFunc("/transactions/assemble", s.withAuth(s.handleAssemble))
	mux.HandleFunc("/transactions/send", s.withAuth(s.handleSend))
	mux.HandleFunc("/transactions", s.withAuth(s.handleTransactions))
	mux.HandleFunc("/messages/sign", s.withAuth(s.handleSignMessage))
	mux.HandleFunc("/messages/verify", s.withAuth(s.handleVerifyMessage))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	networks := make([]string, 0)
	for _, n := range s.client.Networks() {
		networks = append(networks, n.String())
	}
	out := map[string]interface{}{
		"status":         "ok",
		"networks":       networks,
		"keystore_ready": s.keys != nil && s.keys.PassphraseSet(),
	}
	if s.keys != nil {
		out["keystore_dir"] = s.keys.KeystoreDir()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "keystore not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		addrs := s.keys.Accounts()
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Hex())
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"keys": out})
	case http.MethodPost:
		addr, err := s.keys.CreateAccount()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr.Hex()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleBalances reports the balance on one network, or on all of them when
// network is omitted. unit selects the display denomination.
func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	address := strings.TrimSpace(q.Get("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	unit := q.Get("unit")

	type balance struct {
		Base    string `json:"base"`
		Display string `json:"display"`
		Unit    string `json:"unit"`
	}
	render := func(n chain.Network, v *big.Int) (balance, error) {
		u := unit
		if u == "" {
			u = n.Coin()
		}
		display, err := units.FromBase(v, u, n)
		if err != nil {
			return balance{}, err
		}
		return balance{Base: v.String(), Display: display, Unit: u}, nil
	}

	out := make(map[string]balance)
	if name := q.Get("network"); name != "" {
		network, backend, err := s.client.Resolve(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		v, err := backend.Balance(r.Context(), address)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		b, err := render(network, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out[network.String()] = b
	} else {
		all, err := s.client.Balances(r.Context(), address)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for n, v := range all {
			b, err := render(n, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			out[n.String()] = b
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"address": address, "balances": out})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	source, err := chain.Parse(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := chain.Parse(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unit, err := units.Convert(q.Get("unit"), source, target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"unit":    unit,
		"network": target.String(),
		"units":   units.Units(target),
	})
}

type assembleResponse struct {
	Network         string                `json:"network"`
	Transaction     txbuilder.TransportTx `json:"transaction"`
	Balance         string                `json:"balance"`
	SufficientFunds bool                  `json:"sufficientFunds"`
	SigningHash     string                `json:"signingHash"`
}

// handleAssemble resolves every missing field and returns the draft without
// sending it.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var in txbuilder.Input
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asm, err := s.client.CreateTransaction(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := asm.Wait(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := asm.TransportTransaction()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sufficient, err := asm.CheckSufficientFunds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hash, err := asm.Hash()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assembleResponse{
		Network:         d.Network.String(),
		Transaction:     tx,
		Balance:         d.Balance.String(),
		SufficientFunds: sufficient,
		SigningHash:     hash.Hex(),
	})
}

type sendRequest struct {
	txbuilder.Input
	// Signer is "keystore" (default) to sign with the sender's stored key,
	// or "node" to let the node sign.
	Signer string `json:"signer"`
}

type eventJSON struct {
	Event        string         `json:"event"`
	Message      string         `json:"message,omitempty"`
	Field        string         `json:"field,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Error        string         `json:"error,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	Receipt      *types.Receipt `json:"receipt,omitempty"`
	Confirmation uint64         `json:"confirmation,omitempty"`
}

func toJSON(e progress.Event) eventJSON {
	out := eventJSON{
		Event:        string(e.Kind),
		Message:      e.Message,
		Field:        e.Field,
		Reason:       e.Reason,
		Confirmation: e.Confirmation,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	if e.Kind == progress.KindTransactionHash {
		out.Hash = e.Hash.Hex()
	}
	if e.Kind == progress.KindReceipt {
		out.Receipt = e.Receipt
	}
	return out
}

// handleSend streams the transaction's progress as newline-delimited JSON
// until it is confirmed or fails.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var key *ecdsa.PrivateKey
	switch strings.ToLower(strings.TrimSpace(req.Signer)) {
	case "", "keystore":
		if s.keys == nil {
			writeError(w, http.StatusServiceUnavailable, "keystore not configured")
			return
		}
		from, err := parseAddress(req.From)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if key, err = s.keys.PrivateKey(from); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case "node":
	default:
		writeError(w, http.StatusBadRequest, "signer must be keystore or node")
		return
	}

	task, err := s.client.SendTransaction(r.Context(), req.Input, key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for e := range task.Events() {
		if err := enc.Encode(toJSON(e)); err != nil {
			s.logger.Warn("send stream write failed", "error", err)
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleTransactions lists journaled transactions, or one when hash is given.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	if hash := strings.TrimSpace(r.URL.Query().Get("hash")); hash != "" {
		e, ok := s.journal.Get(common.HexToHash(hash).Hex())
		if !ok {
			writeError(w, http.StatusNotFound, journal.ErrUnknownTransaction.Error())
			return
		}
		writeJSON(w, http.StatusOK, e)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": s.journal.List()})
}

type signMessageRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature,omitempty"`
}

func (s *Server) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.keys == nil {
		writeError(w, http.StatusServiceUnavailable, "keystore not configured")
		return
	}
	var req signMessageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := s.keys.PrivateKey(addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := codec.SignMessage([]byte(req.Message), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   addr.Hex(),
		"message":   req.Message,
		"signature": hexutil.Encode(sig),
	})
}

func (s *Server) handleVerifyMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req signMessageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature hex")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid": codec.VerifyMessage(req.Address, []byte(req.Message), sig),
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, errors.New("address is required")
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}

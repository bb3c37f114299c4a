package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/vault/pkg/metrics"
	"github.com/luxfi/vault/pkg/vault"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against a vault engine.
// Amounts cross the wire as decimal strings.
type JSONRPCServer struct {
	engine  *vault.Engine
	metrics *metrics.VaultMetrics
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(engine *vault.Engine, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine: engine,
		logger: logger,
	}
}

// SetMetrics attaches batch-duration instrumentation to the fulfillment
// handlers. Optional; nil leaves the handlers unmeasured.
func (s *JSONRPCServer) SetMetrics(m *metrics.VaultMetrics) {
	s.metrics = m
}

func (s *JSONRPCServer) observeBatch(start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordBatchDuration(float64(time.Since(start).Microseconds()))
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Request methods
	case "vault_requestDeposit":
		return s.requestDeposit(params)
	case "vault_cancelDeposit":
		return s.cancelDeposit(params)
	case "vault_requestWithdraw":
		return s.requestWithdraw(params)

	// Operator methods
	case "vault_fulfillDeposits":
		return s.fulfillDeposits(params)
	case "vault_fulfillWithdrawals":
		return s.fulfillWithdrawals(params)
	case "vault_setFee":
		return s.setFee(params)
	case "vault_setFeeRecipient":
		return s.setFeeRecipient(params)
	case "vault_pause":
		return s.setPaused(params, true)
	case "vault_unpause":
		return s.setPaused(params, false)

	// Read methods
	case "vault_sharePrice":
		return map[string]interface{}{"price": s.engine.SharePrice().String()}, nil
	case "vault_totalAssets":
		return map[string]interface{}{"totalAssets": s.engine.TotalAssets().String()}, nil
	case "vault_balanceOf":
		return s.balanceOf(params)
	case "vault_account":
		return s.account(params)
	case "vault_pendingDeposit":
		return s.pendingDeposit(params)
	case "vault_pendingWithdrawal":
		return s.pendingWithdrawal(params)
	case "vault_queueDepths":
		deposits, redeems := s.engine.QueueDepths()
		return map[string]interface{}{"deposits": deposits, "redeems": redeems}, nil
	case "vault_stats":
		return s.engine.Stats(), nil

	// Info methods
	case "vault_getInfo":
		return s.getInfo(params)
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid amount: " + s}
	}
	return v, nil
}

func (s *JSONRPCServer) requestDeposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
		Receiver  string `json:"receiver"`
		Assets    string `json:"assets"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	assets, err := parseAmount(p.Assets)
	if err != nil {
		return nil, err
	}

	if err := s.engine.RequestDeposit(p.Depositor, p.Receiver, assets); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"depositor": p.Depositor,
		"status":    "queued",
	}, nil
}

func (s *JSONRPCServer) cancelDeposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	refund, err := s.engine.CancelDeposit(p.Depositor)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"depositor": p.Depositor,
		"refund":    refund.String(),
		"status":    "cancelled",
	}, nil
}

func (s *JSONRPCServer) requestWithdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Controller string `json:"controller"`
		Receiver   string `json:"receiver"`
		Shares     string `json:"shares"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	shares, err := parseAmount(p.Shares)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.engine.RequestWithdraw(p.Controller, p.Receiver, shares)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{
		"controller":      p.Controller,
		"assetsAtRequest": snapshot.String(),
		"status":          "queued",
	}, nil
}

func (s *JSONRPCServer) fulfillDeposits(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller    string `json:"caller"`
		BatchSize int    `json:"batchSize"`
		Source    string `json:"source"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	start := time.Now()
	processed, err := s.engine.FulfillDeposits(p.Caller, p.BatchSize, p.Source)
	s.observeBatch(start)
	if err != nil {
		return nil, &RPCError{
			Code:    InternalError,
			Message: err.Error(),
			Data:    map[string]interface{}{"processed": processed},
		}
	}
	return map[string]interface{}{"processed": processed}, nil
}

func (s *JSONRPCServer) fulfillWithdrawals(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller    string `json:"caller"`
		BatchSize int    `json:"batchSize"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	start := time.Now()
	processed, err := s.engine.FulfillWithdrawals(p.Caller, p.BatchSize)
	s.observeBatch(start)
	if err != nil {
		return nil, &RPCError{
			Code:    InternalError,
			Message: err.Error(),
			Data:    map[string]interface{}{"processed": processed},
		}
	}
	return map[string]interface{}{"processed": processed}, nil
}

func (s *JSONRPCServer) setFee(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Bps    uint64 `json:"bps"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.SetFee(p.Caller, p.Bps); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"feeBps": p.Bps}, nil
}

func (s *JSONRPCServer) setFeeRecipient(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.SetFeeRecipient(p.Caller, p.Recipient); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"recipient": p.Recipient}, nil
}

func (s *JSONRPCServer) setPaused(params json.RawMessage, paused bool) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	var err error
	if paused {
		err = s.engine.Pause(p.Caller)
	} else {
		err = s.engine.Unpause(p.Caller)
	}
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"paused": paused}, nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return map[string]interface{}{
		"account": p.Account,
		"shares":  s.engine.BalanceOf(p.Account).String(),
	}, nil
}

func (s *JSONRPCServer) account(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	principal, shares := s.engine.Account(p.Account)
	return map[string]interface{}{
		"account":   p.Account,
		"principal": principal.String(),
		"shares":    shares.String(),
	}, nil
}

func (s *JSONRPCServer) pendingDeposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Depositor string `json:"depositor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	req, ok := s.engine.PendingDeposit(p.Depositor)
	if !ok {
		return map[string]interface{}{"pending": false}, nil
	}
	return map[string]interface{}{
		"pending":   true,
		"receiver":  req.Receiver,
		"assets":    req.Assets.String(),
		"createdAt": req.CreatedAt.Unix(),
	}, nil
}

func (s *JSONRPCServer) pendingWithdrawal(params json.RawMessage) (interface{}, error) {
	var p struct {
		Controller string `json:"controller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	req, ok := s.engine.PendingWithdrawal(p.Controller)
	if !ok {
		return map[string]interface{}{"pending": false}, nil
	}
	return map[string]interface{}{
		"pending":         true,
		"receiver":        req.Receiver,
		"shares":          req.Shares.String(),
		"assetsAtRequest": req.AssetsAtRequest.String(),
		"createdAt":       req.CreatedAt.Unix(),
	}, nil
}

func (s *JSONRPCServer) getInfo(params json.RawMessage) (interface{}, error) {
	deposits, redeems := s.engine.QueueDepths()
	return map[string]interface{}{
		"version":      "1.0.0",
		"asset":        s.engine.Asset(),
		"feeBps":       s.engine.FeeBps(),
		"paused":       s.engine.Paused(),
		"totalAssets":  s.engine.TotalAssets().String(),
		"totalShares":  s.engine.TotalShares().String(),
		"idleBalance":  s.engine.IdleBalance().String(),
		"sharePrice":   s.engine.SharePrice().String(),
		"depositQueue": deposits,
		"redeemQueue":  redeems,
		"timestamp":    time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server. A nil metrics set
// disables batch instrumentation.
func StartJSONRPCServer(ctx context.Context, port int, engine *vault.Engine, vaultMetrics *metrics.VaultMetrics, logger log.Logger) error {
	server := NewJSONRPCServer(engine, logger)
	server.SetMetrics(vaultMetrics)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}

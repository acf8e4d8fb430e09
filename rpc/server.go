package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"settlechain/core"
	"settlechain/core/types"
	"settlechain/gateway/auth"
	"settlechain/native/deposit"
	"settlechain/native/ledger"
	"settlechain/native/mlm"
	"settlechain/native/proof"
	"settlechain/native/reserve"
	"settlechain/native/solvency"
	"settlechain/native/treasury"
	"settlechain/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeStateConflict  = -32021
	codeResourceLimit  = -32022
	codeSolvency       = -32030
)

// Server exposes the node over JSON-RPC 2.0.
type Server struct {
	node     *core.Node
	verifier *auth.Verifier
	metrics  *observability.RPCMetrics
	log      *slog.Logger
}

// NewServer wires the RPC surface over the node. A nil verifier disables
// write methods entirely.
func NewServer(node *core.Node, verifier *auth.Verifier, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		node:     node,
		verifier: verifier,
		metrics:  observability.RPC(),
		log:      log,
	}
}

// Handler returns the HTTP handler for mounting under the gateway.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// RPCRequest is one JSON-RPC 2.0 call envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// RPCResponse is the reply envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError carries a failure back to the caller.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, nil, codeInvalidRequest, "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, nil, codeParseError, "unable to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, codeParseError, "invalid JSON-RPC payload")
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r, &req)
	if rpcErr != nil {
		s.metrics.Observe(req.Method, true, rpcCodeLabel(rpcErr.Code), time.Since(started))
		s.log.Warn("rpc call failed", "method", req.Method, "code", rpcErr.Code, "err", rpcErr.Message)
		writeError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.metrics.Observe(req.Method, false, "", time.Since(started))
	writeResult(w, req.ID, result)
}

func rpcCodeLabel(code int) string {
	switch code {
	case codeUnauthorized:
		return "unauthorized"
	case codeInvalidParams:
		return "invalid_params"
	case codeNotFound:
		return "not_found"
	case codeStateConflict:
		return "state_conflict"
	case codeResourceLimit:
		return "resource_limit"
	case codeSolvency:
		return "solvency"
	default:
		return "server_error"
	}
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "settle_registerUser":
		return s.registerUser(r, req)
	case "settle_depositWeeklyPerformance":
		return s.depositWeeklyPerformance(r, req)
	case "settle_processDistributionBatch":
		return s.processDistributionBatch(r, req)
	case "settle_withdraw":
		return s.withdraw(r, req)
	case "settle_withdrawPool":
		return s.withdrawPool(r, req)
	case "settle_setSubscription":
		return s.setSubscription(r, req)
	case "settle_proposeReserveUsage":
		return s.proposeReserveUsage(r, req)
	case "settle_executeProposal":
		return s.executeProposal(r, req)
	case "settle_cancelProposal":
		return s.cancelProposal(r, req)
	case "settle_submitWeeklyProof":
		return s.submitWeeklyProof(r, req)
	case "settle_finalizeWeek":
		return s.finalizeWeek(r, req)
	case "settle_getSystemState":
		return s.getSystemState()
	case "settle_getUserDashboard":
		return s.getUserDashboard(req)
	case "settle_getWeeklyProof":
		return s.getWeeklyProof(req)
	case "settle_getAllWeeks":
		return s.getAllWeeks()
	}
	return nil, &RPCError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
}

// caller authenticates the bearer token on a write call.
func (s *Server) caller(r *http.Request) (common.Address, *RPCError) {
	if s.verifier == nil {
		return common.Address{}, &RPCError{Code: codeUnauthorized, Message: "write methods disabled"}
	}
	identity, err := s.verifier.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		return common.Address{}, &RPCError{Code: codeUnauthorized, Message: err.Error()}
	}
	return identity.Address, nil
}

func decodeParams(req *RPCRequest, v interface{}) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: codeInvalidParams, Message: "expected a single params object"}
	}
	if err := json.Unmarshal(req.Params[0], v); err != nil {
		return &RPCError{Code: codeInvalidParams, Message: "malformed params: " + err.Error()}
	}
	return nil
}

func parseAddress(v string) (common.Address, *RPCError) {
	if !common.IsHexAddress(v) {
		return common.Address{}, &RPCError{Code: codeInvalidParams, Message: "invalid address " + v}
	}
	return common.HexToAddress(v), nil
}

func parseAmount(v string) (*big.Int, *RPCError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid amount " + v}
	}
	return amount, nil
}

// errToRPC maps engine sentinel errors onto the RPC error taxonomy.
func errToRPC(err error) *RPCError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
		return &RPCError{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, solvency.ErrInsufficientSolvency):
		return &RPCError{Code: codeSolvency, Message: err.Error()}
	case errors.Is(err, ledger.ErrUserUnknown),
		errors.Is(err, mlm.ErrInvalidWeek),
		errors.Is(err, proof.ErrProofNotFound),
		errors.Is(err, reserve.ErrProposalNotFound),
		errors.Is(err, treasury.ErrUnknownPool):
		return &RPCError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, ledger.ErrAlreadyRegistered),
		errors.Is(err, mlm.ErrBatchAlreadyCompleted),
		errors.Is(err, proof.ErrProofFinalized),
		errors.Is(err, proof.ErrRulebookAlreadySet),
		errors.Is(err, reserve.ErrProposalTerminal),
		errors.Is(err, reserve.ErrActiveProposalExists),
		errors.Is(err, reserve.ErrTimelockNotElapsed),
		errors.Is(err, reserve.ErrNotProposer),
		errors.Is(err, core.ErrAlreadyInitialized):
		return &RPCError{Code: codeStateConflict, Message: err.Error()}
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, treasury.ErrInsufficientBalance),
		errors.Is(err, treasury.ErrWithdrawalLimitExceeded),
		errors.Is(err, reserve.ErrInsufficientReserve):
		return &RPCError{Code: codeResourceLimit, Message: err.Error()}
	case errors.Is(err, ledger.ErrSponsorUnknown),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, deposit.ErrInvalidAmount),
		errors.Is(err, deposit.ErrMissingProofTag),
		errors.Is(err, treasury.ErrInvalidAmount),
		errors.Is(err, reserve.ErrInvalidAmount),
		errors.Is(err, reserve.ErrEmptyJustification),
		errors.Is(err, reserve.ErrInvalidDestination),
		errors.Is(err, proof.ErrInvalidWeek),
		errors.Is(err, proof.ErrEmptyHash),
		errors.Is(err, proof.ErrZeroUsers):
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}

type registerUserParams struct {
	Address string `json:"address"`
	Sponsor string `json:"sponsor"`
}

func (s *Server) registerUser(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if _, rpcErr := s.caller(r); rpcErr != nil {
		return nil, rpcErr
	}
	var params registerUserParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	sponsor, rpcErr := parseAddress(params.Sponsor)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.RegisterUser(addr, sponsor); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]string{"address": addr.Hex()}, nil
}

type depositParams struct {
	Amount   string `json:"amount"`
	ProofTag string `json:"proofTag"`
}

func (s *Server) depositWeeklyPerformance(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params depositParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	week, err := s.node.DepositWeeklyPerformance(caller, amount, params.ProofTag)
	if err != nil {
		return nil, errToRPC(err)
	}
	observability.Settlement().RecordDeposit(amount)
	return map[string]uint64{"week": week}, nil
}

type processBatchParams struct {
	Week      uint64 `json:"week"`
	ChunkSize int    `json:"chunkSize"`
}

func (s *Server) processDistributionBatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params processBatchParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	receipt, err := s.node.ProcessDistributionBatch(caller, params.Week, params.ChunkSize)
	observability.Settlement().RecordBatchChunk(receipt != nil && receipt.PausedForSolvency)
	if receipt != nil {
		observability.Settlement().RecordCommissions(receipt.CreditsApplied)
	}
	if err != nil && receipt == nil {
		return nil, errToRPC(err)
	}
	result := map[string]interface{}{
		"week":            params.Week,
		"processedInCall": 0,
		"processedUsers":  uint32(0),
		"completed":       false,
		"paused":          false,
	}
	if receipt != nil {
		result["processedInCall"] = receipt.ProcessedInCall
		result["processedUsers"] = receipt.ProcessedUsers
		result["completed"] = receipt.Completed
		result["paused"] = receipt.PausedForSolvency
		if receipt.Distributed != nil {
			result["distributed"] = receipt.Distributed.String()
		}
	}
	// A solvency pause still committed its progress; report it alongside.
	if err != nil {
		result["error"] = err.Error()
	}
	return result, nil
}

type withdrawParams struct {
	Amount string `json:"amount"`
}

func (s *Server) withdraw(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params withdrawParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.Withdraw(caller, amount); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]string{"withdrawn": amount.String()}, nil
}

type withdrawPoolParams struct {
	Pool   string `json:"pool"`
	Amount string `json:"amount"`
}

func (s *Server) withdrawPool(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params withdrawPoolParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.WithdrawPool(caller, params.Pool, amount); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]string{"pool": params.Pool, "withdrawn": amount.String()}, nil
}

type subscriptionParams struct {
	Address string `json:"address"`
	Active  bool   `json:"active"`
	Expiry  int64  `json:"expiry"`
}

func (s *Server) setSubscription(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params subscriptionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.node.SetSubscription(caller, addr, params.Active, params.Expiry); err != nil {
		return nil, errToRPC(err)
	}
	return map[string]bool{"active": params.Active}, nil
}

type proposeParams struct {
	Amount        string `json:"amount"`
	Justification string `json:"justification"`
	Destination   string `json:"destination"`
	Recipient     string `json:"recipient,omitempty"`
}

func (s *Server) proposeReserveUsage(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params proposeParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	recipient := common.Address{}
	if strings.TrimSpace(params.Recipient) != "" {
		recipient, rpcErr = parseAddress(params.Recipient)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}
	proposal, err := s.node.ProposeReserveUsage(caller, amount, params.Justification, types.ReserveDestination(params.Destination), recipient)
	if err != nil {
		return nil, errToRPC(err)
	}
	return proposal, nil
}

type proposalIDParams struct {
	ID uint64 `json:"id"`
}

func (s *Server) executeProposal(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params proposalIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	proposal, err := s.node.ExecuteProposal(caller, params.ID)
	if err != nil {
		return nil, errToRPC(err)
	}
	return proposal, nil
}

func (s *Server) cancelProposal(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params proposalIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	proposal, err := s.node.CancelProposal(caller, params.ID)
	if err != nil {
		return nil, errToRPC(err)
	}
	return proposal, nil
}

type submitProofParams struct {
	Week             uint64 `json:"week"`
	IPFSHash         string `json:"ipfsHash"`
	TotalUsers       uint64 `json:"totalUsers"`
	TotalCommissions string `json:"totalCommissions"`
	TotalProfits     string `json:"totalProfits"`
}

func (s *Server) submitWeeklyProof(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params submitProofParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	commissions := big.NewInt(0)
	if strings.TrimSpace(params.TotalCommissions) != "" {
		commissions, rpcErr = parseAmount(params.TotalCommissions)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}
	profits := big.NewInt(0)
	if strings.TrimSpace(params.TotalProfits) != "" {
		profits, rpcErr = parseAmount(params.TotalProfits)
		if rpcErr != nil {
			return nil, rpcErr
		}
	}
	record, err := s.node.SubmitWeeklyProof(caller, params.Week, params.IPFSHash, params.TotalUsers, commissions, profits)
	if err != nil {
		return nil, errToRPC(err)
	}
	return record, nil
}

type weekParams struct {
	Week uint64 `json:"week"`
}

func (s *Server) finalizeWeek(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	caller, rpcErr := s.caller(r)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var params weekParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	record, err := s.node.FinalizeWeek(caller, params.Week)
	if err != nil {
		return nil, errToRPC(err)
	}
	return record, nil
}

func (s *Server) getSystemState() (interface{}, *RPCError) {
	state, err := s.node.GetSystemState()
	if err != nil {
		return nil, errToRPC(err)
	}
	observability.Settlement().SetSolvency(state.SolvencyRatioBps, state.BreakerTripped)
	return state, nil
}

type addressParams struct {
	Address string `json:"address"`
}

func (s *Server) getUserDashboard(req *RPCRequest) (interface{}, *RPCError) {
	var params addressParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	dashboard, err := s.node.GetUserDashboard(addr)
	if err != nil {
		return nil, errToRPC(err)
	}
	return dashboard, nil
}

func (s *Server) getWeeklyProof(req *RPCRequest) (interface{}, *RPCError) {
	var params weekParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	record, ok, err := s.node.GetWeeklyProof(params.Week)
	if err != nil {
		return nil, errToRPC(err)
	}
	if !ok {
		return nil, &RPCError{Code: codeNotFound, Message: proof.ErrProofNotFound.Error()}
	}
	return record, nil
}

func (s *Server) getAllWeeks() (interface{}, *RPCError) {
	weeks, err := s.node.GetAllWeeks()
	if err != nil {
		return nil, errToRPC(err)
	}
	return map[string]interface{}{"weeks": weeks}, nil
}

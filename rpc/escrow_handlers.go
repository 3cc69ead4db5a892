package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowd/native/escrow"
	"escrowd/observability"
)

type createDealParams struct {
	Buyer    string `json:"buyer"`
	Seller   string `json:"seller"`
	Amount   string `json:"amount"`
	Attached string `json:"attached"`
}

type callerParams struct {
	Caller string `json:"caller"`
}

type callerIDParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type resolveDisputeParams struct {
	Caller      string `json:"caller"`
	ID          string `json:"id"`
	RefundBuyer bool   `json:"refundBuyer"`
}

type idParams struct {
	ID string `json:"id"`
}

type listEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type dealJSON struct {
	ID             string `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Amount         string `json:"amount"`
	State          string `json:"state"`
	StateCode      uint8  `json:"stateCode"`
	PhaseEnteredAt int64  `json:"phaseEnteredAt"`
}

type disputeJSON struct {
	DealID    string `json:"dealId"`
	Initiator string `json:"initiator"`
	OpenedAt  int64  `json:"openedAt"`
}

type eventJSON struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func dealResult(d *escrow.Deal) dealJSON {
	return dealJSON{
		ID:             hex.EncodeToString(d.ID[:]),
		Buyer:          hex.EncodeToString(d.Buyer[:]),
		Seller:         hex.EncodeToString(d.Seller[:]),
		Amount:         d.Amount.String(),
		State:          d.State.String(),
		StateCode:      uint8(d.State),
		PhaseEnteredAt: d.PhaseEnteredAt,
	}
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, req *RPCRequest) {
	var params createDealParams
	if !decodeParams(w, req, &params) {
		return
	}
	buyer, ok := parseAddress(w, req, "buyer", params.Buyer)
	if !ok {
		return
	}
	seller, ok := parseAddress(w, req, "seller", params.Seller)
	if !ok {
		return
	}
	amount, ok := parseAmount(w, req, "amount", params.Amount)
	if !ok {
		return
	}
	attached, ok := parseAmount(w, req, "attached", params.Attached)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().CreateDeal(buyer, seller, amount, attached)
	s.finishOp("createDeal", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleConfirm(w http.ResponseWriter, req *RPCRequest) {
	var params callerParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().Confirm(caller)
	s.finishOp("confirm", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleRefund(w http.ResponseWriter, req *RPCRequest) {
	var params callerParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().Refund(caller)
	s.finishOp("refund", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, req *RPCRequest) {
	var params callerParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().Withdraw(caller)
	s.finishOp("withdraw", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, req *RPCRequest) {
	var params callerIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	id, ok := parseDealID(w, req, params.ID)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().OpenDispute(caller, id)
	s.finishOp("openDispute", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, req *RPCRequest) {
	var params resolveDisputeParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	id, ok := parseDealID(w, req, params.ID)
	if !ok {
		return
	}
	start := time.Now()
	deal, err := s.engine().ResolveDispute(caller, id, params.RefundBuyer)
	s.finishOp("resolveDispute", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleConnectManager(w http.ResponseWriter, req *RPCRequest) {
	var params callerParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, ok := parseAddress(w, req, "caller", params.Caller)
	if !ok {
		return
	}
	start := time.Now()
	evt, err := s.engine().ConnectManager(caller)
	s.finishOp("connectManager", start, err)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, eventJSON{Type: evt.Type, Attributes: evt.Attributes})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, ok := parseDealID(w, req, params.ID)
	if !ok {
		return
	}
	deal, err := s.engine().GetDeal(id)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, dealResult(deal))
}

func (s *Server) handleGetDealState(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, ok := parseDealID(w, req, params.ID)
	if !ok {
		return
	}
	dealState, err := s.engine().GetDealState(id)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"state":     dealState.String(),
		"stateCode": uint8(dealState),
	})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, req *RPCRequest) {
	var params idParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, ok := parseDealID(w, req, params.ID)
	if !ok {
		return
	}
	record, err := s.engine().Dispute(id)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, disputeJSON{
		DealID:    hex.EncodeToString(record.DealID[:]),
		Initiator: hex.EncodeToString(record.Initiator[:]),
		OpenedAt:  record.OpenedAt,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *RPCRequest) {
	params := listEventsParams{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", nil)
			return
		}
	}
	entries := s.log.List(params.Prefix, params.Limit)
	out := make([]eventJSON, 0, len(entries))
	for _, entry := range entries {
		out = append(out, eventJSON{Sequence: entry.Sequence, Type: entry.Event.Type, Attributes: entry.Event.Attributes})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) finishOp(op string, start time.Time, err error) {
	observability.Metrics().Observe(op, start, err)
	observability.Metrics().SetCustody(s.engine().CustodyBalance())
	if err != nil {
		s.logger.Warn("escrow operation failed", "operation", op, "err", err)
	} else {
		s.logger.Info("escrow operation applied", "operation", op)
	}
}

// writeEngineError maps an engine error kind to a JSON-RPC code plus a stable
// "kind" discriminator clients can switch on.
func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	status, code, kind := classifyEngineError(err)
	writeError(w, status, req.ID, code, err.Error(), map[string]string{"kind": kind})
}

func classifyEngineError(err error) (int, int, string) {
	switch {
	case errors.Is(err, escrow.ErrZeroAmount):
		return http.StatusBadRequest, codeInvalidParams, "ZeroAmount"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusBadRequest, codeInvalidParams, "InsufficientFunds"
	case errors.Is(err, escrow.ErrAlreadyFunded):
		return http.StatusConflict, codeConflict, "AlreadyFunded"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, codeConflict, "InvalidState"
	case errors.Is(err, escrow.ErrActionNotAllowed):
		return http.StatusConflict, codeConflict, "ActionNotAllowed"
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, codeUnauthorized, "Unauthorized"
	case errors.Is(err, escrow.ErrOwnerOnly):
		return http.StatusForbidden, codeUnauthorized, "OwnerOnly"
	case errors.Is(err, escrow.ErrDealNotFound):
		return http.StatusNotFound, codeNotFound, "DealNotFound"
	case errors.Is(err, escrow.ErrReentrancyBlocked):
		return http.StatusConflict, codeConflict, "ReentrancyBlocked"
	case errors.Is(err, escrow.ErrTransferFailed):
		return http.StatusBadGateway, codeServerError, "TransferFailed"
	default:
		return http.StatusInternalServerError, codeServerError, "Internal"
	}
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected one params object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid params", nil)
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, req *RPCRequest, field, raw string) ([20]byte, bool) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid "+field+" address", nil)
		return [20]byte{}, false
	}
	return common.HexToAddress(trimmed), true
}

func parseAmount(w http.ResponseWriter, req *RPCRequest, field, raw string) (*big.Int, bool) {
	value := new(big.Int)
	if _, ok := value.SetString(strings.TrimSpace(raw), 10); !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid "+field+" value", nil)
		return nil, false
	}
	return value, true
}

func parseDealID(w http.ResponseWriter, req *RPCRequest, raw string) ([32]byte, bool) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(id) {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid deal id", nil)
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

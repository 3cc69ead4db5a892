package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"escrowd/core/events"
)

type mockState struct {
	deals    map[[32]byte]*Deal
	active   map[[20]byte][32]byte
	disputes map[[32]byte]*DisputeRecord
	custody  *big.Int
	nonce    uint64
}

func newMockState() *mockState {
	return &mockState{
		deals:    make(map[[32]byte]*Deal),
		active:   make(map[[20]byte][32]byte),
		disputes: make(map[[32]byte]*DisputeRecord),
		custody:  big.NewInt(0),
	}
}

func (m *mockState) DealPut(d *Deal) error {
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		return err
	}
	m.deals[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) DealGet(id [32]byte) (*Deal, bool) {
	deal, ok := m.deals[id]
	if !ok {
		return nil, false
	}
	return deal.Clone(), true
}

func (m *mockState) DealList() ([]*Deal, error) {
	out := make([]*Deal, 0, len(m.deals))
	for _, deal := range m.deals {
		out = append(out, deal.Clone())
	}
	return out, nil
}

func (m *mockState) DealNonce() (uint64, error) {
	nonce := m.nonce
	m.nonce++
	return nonce, nil
}

func (m *mockState) ActiveDealPut(participant [20]byte, id [32]byte) error {
	m.active[participant] = id
	return nil
}

func (m *mockState) ActiveDealGet(participant [20]byte) ([32]byte, bool) {
	id, ok := m.active[participant]
	return id, ok
}

func (m *mockState) ActiveDealClear(participant [20]byte) error {
	delete(m.active, participant)
	return nil
}

func (m *mockState) DisputePut(record *DisputeRecord) error {
	if record == nil {
		return fmt.Errorf("nil dispute record")
	}
	if _, ok := m.disputes[record.DealID]; ok {
		return fmt.Errorf("dispute record already exists")
	}
	m.disputes[record.DealID] = record.Clone()
	return nil
}

func (m *mockState) DisputeGet(id [32]byte) (*DisputeRecord, bool) {
	record, ok := m.disputes[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

func (m *mockState) CustodyCredit(amount *big.Int) error {
	m.custody.Add(m.custody, amount)
	return nil
}

func (m *mockState) CustodyDebit(amount *big.Int) error {
	if m.custody.Cmp(amount) < 0 {
		return fmt.Errorf("custody underflow")
	}
	m.custody.Sub(m.custody, amount)
	return nil
}

func (m *mockState) CustodyBalance() *big.Int {
	return new(big.Int).Set(m.custody)
}

type recordingEmitter struct {
	events []*events.Event
}

func (r *recordingEmitter) Emit(evt *events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) last() *events.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type payment struct {
	to     [20]byte
	amount *big.Int
}

type recordingTransferor struct {
	payments []payment
	failFor  map[[20]byte]error
}

func newRecordingTransferor() *recordingTransferor {
	return &recordingTransferor{failFor: make(map[[20]byte]error)}
}

func (t *recordingTransferor) Transfer(payments []Payment) error {
	for _, p := range payments {
		if err, ok := t.failFor[p.To]; ok {
			return &TransferError{Leg: p.Leg, Err: err}
		}
	}
	for _, p := range payments {
		t.payments = append(t.payments, payment{to: p.To, amount: new(big.Int).Set(p.Amount)})
	}
	return nil
}

func (t *recordingTransferor) paidTo(addr [20]byte) *big.Int {
	total := big.NewInt(0)
	for _, p := range t.payments {
		if p.to == addr {
			total.Add(total, p.amount)
		}
	}
	return total
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type testHarness struct {
	engine     *Engine
	state      *mockState
	emitter    *recordingEmitter
	transferor *recordingTransferor
	now        int64
	buyer      [20]byte
	seller     [20]byte
	manager    [20]byte
}

func newTestHarness() *testHarness {
	h := &testHarness{
		state:      newMockState(),
		emitter:    &recordingEmitter{},
		transferor: newRecordingTransferor(),
		now:        1_700_000_000,
		buyer:      newTestAddress(0x11),
		seller:     newTestAddress(0x22),
		manager:    newTestAddress(0xEE),
	}
	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetTransferor(h.transferor)
	h.engine.SetManager(h.manager)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

func (h *testHarness) advance(seconds int64) { h.now += seconds }

func (h *testHarness) createDeal(t *testing.T, amount int64) *Deal {
	t.Helper()
	deal, err := h.engine.CreateDeal(h.buyer, h.seller, big.NewInt(amount), big.NewInt(amount))
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func (h *testHarness) confirm(t *testing.T) *Deal {
	t.Helper()
	deal, err := h.engine.Confirm(h.buyer)
	if err != nil {
		t.Fatalf("confirm deal: %v", err)
	}
	return deal
}

func TestCreateDealStartsRunning(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)

	state, err := h.engine.GetDealState(deal.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state != DealRunning {
		t.Fatalf("expected running, got %s", state)
	}
	if got := h.state.CustodyBalance(); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("custody balance = %s, want 1000", got)
	}
	if evt := h.emitter.last(); evt == nil || evt.Type != EventTypeDealCreated {
		t.Fatalf("expected created event, got %+v", evt)
	}
	if deal.ID != DealID(h.buyer, h.seller, 0) {
		t.Fatalf("deal id not derived from buyer/seller/nonce")
	}
}

func TestCreateDealValidation(t *testing.T) {
	h := newTestHarness()
	if _, err := h.engine.CreateDeal(h.buyer, h.seller, big.NewInt(0), big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero amount: got %v, want ErrZeroAmount", err)
	}
	if _, err := h.engine.CreateDeal(h.buyer, h.seller, big.NewInt(100), big.NewInt(99)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("mismatched value: got %v, want ErrInsufficientFunds", err)
	}
	if _, err := h.engine.CreateDeal(h.buyer, h.seller, big.NewInt(100), nil); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("nil value: got %v, want ErrInsufficientFunds", err)
	}
}

func TestConfirmAdvancesToSuccess(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)
	h.advance(100)

	confirmed := h.confirm(t)
	if confirmed.State != DealSuccess {
		t.Fatalf("state = %s, want success", confirmed.State)
	}
	if confirmed.PhaseEnteredAt != h.now {
		t.Fatalf("phase timestamp not restamped on transition")
	}
	if len(h.transferor.payments) != 0 {
		t.Fatalf("confirmation must not move value")
	}
	if _, err := h.engine.Confirm(h.buyer); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("second confirm: got %v, want ErrAlreadyFunded", err)
	}
	if state, _ := h.engine.GetDealState(deal.ID); state != DealSuccess {
		t.Fatalf("state changed by failed confirm: %s", state)
	}
}

func TestConfirmRequiresBuyer(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000)
	if _, err := h.engine.Confirm(h.seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller confirm: got %v, want ErrUnauthorized", err)
	}
	if _, err := h.engine.Confirm(newTestAddress(0x99)); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("stranger confirm: got %v, want ErrDealNotFound", err)
	}
}

func TestRefundTimeLock(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000_000)

	h.advance(RefundWindow - 1)
	if _, err := h.engine.Refund(h.buyer); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("early refund: got %v, want ErrActionNotAllowed", err)
	}

	h.advance(1)
	refunded, err := h.engine.Refund(h.buyer)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.State != DealClosed {
		t.Fatalf("state = %s, want closed", refunded.State)
	}
	if got := h.transferor.paidTo(h.buyer); got.Cmp(big.NewInt(985_000)) != 0 {
		t.Fatalf("buyer paid %s, want 985000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("manager paid %s, want 15000", got)
	}
	if got := h.state.CustodyBalance(); got.Sign() != 0 {
		t.Fatalf("custody not drained: %s", got)
	}
	if evt := h.emitter.last(); evt.Type != EventTypeAutomaticRefund {
		t.Fatalf("expected automatic refund event, got %s", evt.Type)
	}

	// Index entry released on closure, so the implicit second refund cannot
	// resolve a deal anymore.
	if _, err := h.engine.Refund(h.buyer); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("second refund: got %v, want ErrDealNotFound", err)
	}
	if state, _ := h.engine.GetDealState(deal.ID); state != DealClosed {
		t.Fatalf("closed deal mutated: %s", state)
	}
}

func TestRefundRequiresRunning(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000)
	h.confirm(t)
	h.advance(RefundWindow)
	if _, err := h.engine.Refund(h.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("refund after confirm: got %v, want ErrInvalidState", err)
	}
}

func TestWithdrawByBuyerReleasesImmediately(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000_000)
	h.confirm(t)

	deal, err := h.engine.Withdraw(h.buyer)
	if err != nil {
		t.Fatalf("buyer withdraw: %v", err)
	}
	if deal.State != DealClosed {
		t.Fatalf("state = %s, want closed", deal.State)
	}
	if got := h.transferor.paidTo(h.seller); got.Cmp(big.NewInt(985_000)) != 0 {
		t.Fatalf("seller paid %s, want 985000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("manager paid %s, want 15000", got)
	}
}

func TestWithdrawBySellerNeedsWindow(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000_000)
	h.confirm(t)

	if _, err := h.engine.Withdraw(h.seller); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("early seller withdraw: got %v, want ErrActionNotAllowed", err)
	}

	h.advance(ForcedWithdrawalWindow)
	deal, err := h.engine.Withdraw(h.seller)
	if err != nil {
		t.Fatalf("forced withdraw: %v", err)
	}
	if deal.State != DealClosed {
		t.Fatalf("state = %s, want closed", deal.State)
	}
	if got := h.transferor.paidTo(h.seller); got.Cmp(big.NewInt(985_000)) != 0 {
		t.Fatalf("seller paid %s, want 985000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("manager paid %s, want 15000", got)
	}
}

func TestWithdrawOutsideSuccess(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000)
	if _, err := h.engine.Withdraw(h.buyer); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("withdraw before confirm: got %v, want ErrInvalidState", err)
	}
}

func TestOpenDispute(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)

	if _, err := h.engine.OpenDispute(h.buyer, deal.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute before confirm: got %v, want ErrInvalidState", err)
	}

	h.confirm(t)
	if _, err := h.engine.OpenDispute(newTestAddress(0x99), deal.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger dispute: got %v, want ErrUnauthorized", err)
	}

	disputed, err := h.engine.OpenDispute(h.seller, deal.ID)
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if disputed.State != DealDispute {
		t.Fatalf("state = %s, want dispute", disputed.State)
	}
	record, err := h.engine.Dispute(deal.ID)
	if err != nil {
		t.Fatalf("dispute record: %v", err)
	}
	if record.Initiator != h.seller {
		t.Fatalf("initiator not pinned to the opener")
	}

	if _, err := h.engine.OpenDispute(h.buyer, deal.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second dispute: got %v, want ErrInvalidState", err)
	}
	if _, err := h.engine.OpenDispute(h.buyer, DealID(h.buyer, h.seller, 77)); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("unknown id: got %v, want ErrDealNotFound", err)
	}
}

func TestResolveDisputeRefundsBuyerFeeFree(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000_000)
	h.confirm(t)
	if _, err := h.engine.OpenDispute(h.buyer, deal.ID); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	resolved, err := h.engine.ResolveDispute(h.manager, deal.ID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != DealClosed {
		t.Fatalf("state = %s, want closed", resolved.State)
	}
	if got := h.transferor.paidTo(h.buyer); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer paid %s, want full 1000000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Sign() != 0 {
		t.Fatalf("dispute refund must be fee free, manager got %s", got)
	}
	if evt := h.emitter.last(); evt.Type != EventTypeDisputeResolvedBuyer {
		t.Fatalf("expected buyer resolution event, got %s", evt.Type)
	}
}

func TestResolveDisputePaysSellerWithFee(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000_000)
	h.confirm(t)
	if _, err := h.engine.OpenDispute(h.seller, deal.ID); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	resolved, err := h.engine.ResolveDispute(h.manager, deal.ID, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != DealClosed {
		t.Fatalf("state = %s, want closed", resolved.State)
	}
	if got := h.transferor.paidTo(h.seller); got.Cmp(big.NewInt(985_000)) != 0 {
		t.Fatalf("seller paid %s, want 985000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("manager paid %s, want 15000", got)
	}
	if evt := h.emitter.last(); evt.Type != EventTypeDisputeResolvedSeller {
		t.Fatalf("expected seller resolution event, got %s", evt.Type)
	}
}

func TestResolveDisputeAuthorization(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)
	h.confirm(t)
	if _, err := h.engine.OpenDispute(h.buyer, deal.ID); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	for _, refundBuyer := range []bool{true, false} {
		if _, err := h.engine.ResolveDispute(h.buyer, deal.ID, refundBuyer); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("buyer resolve(refundBuyer=%v): got %v, want ErrUnauthorized", refundBuyer, err)
		}
	}
}

func TestResolveDisputeRequiresDisputeState(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)
	h.confirm(t)
	if _, err := h.engine.ResolveDispute(h.manager, deal.ID, true); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resolve without dispute: got %v, want ErrInvalidState", err)
	}
}

func TestFeeSplitInvariant(t *testing.T) {
	for _, amount := range []int64{1, 66, 10_000, 999_999, 1_000_000, 123_456_789} {
		payout, fee := Split(big.NewInt(amount))
		sum := new(big.Int).Add(payout, fee)
		if sum.Cmp(big.NewInt(amount)) != 0 {
			t.Fatalf("amount %d: payout %s + fee %s != amount", amount, payout, fee)
		}
		wantFee := amount * FeeBps / FeeDenominator
		if fee.Cmp(big.NewInt(wantFee)) != 0 {
			t.Fatalf("amount %d: fee %s, want %d", amount, fee, wantFee)
		}
	}
}

func TestTransferFailureLeavesStateUntouched(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000_000)
	h.confirm(t)
	h.transferor.failFor[h.manager] = fmt.Errorf("recipient rejected value")

	_, err := h.engine.Withdraw(h.buyer)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Leg != LegManager {
		t.Fatalf("expected manager leg failure, got %v", err)
	}
	if state, _ := h.engine.GetDealState(deal.ID); state != DealSuccess {
		t.Fatalf("failed transfer transitioned state to %s", state)
	}
	if got := h.state.CustodyBalance(); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("custody mutated on failed transfer: %s", got)
	}
	// No leg may be paid when any leg fails, or a retry double-pays custody.
	if got := h.transferor.paidTo(h.seller); got.Sign() != 0 {
		t.Fatalf("seller paid %s on a failed payout", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Sign() != 0 {
		t.Fatalf("manager paid %s on a failed payout", got)
	}

	// Once the fee leg accepts again, the retried withdrawal pays each
	// recipient exactly once.
	delete(h.transferor.failFor, h.manager)
	closed, err := h.engine.Withdraw(h.buyer)
	if err != nil {
		t.Fatalf("retried withdraw: %v", err)
	}
	if closed.State != DealClosed {
		t.Fatalf("state = %s, want closed", closed.State)
	}
	if got := h.transferor.paidTo(h.seller); got.Cmp(big.NewInt(985_000)) != 0 {
		t.Fatalf("seller paid %s in total, want 985000", got)
	}
	if got := h.transferor.paidTo(h.manager); got.Cmp(big.NewInt(15_000)) != 0 {
		t.Fatalf("manager paid %s in total, want 15000", got)
	}
	if got := h.state.CustodyBalance(); got.Sign() != 0 {
		t.Fatalf("custody not drained after retry: %s", got)
	}
}

// reentrantTransferor attempts a second value-moving operation from within an
// in-flight payout, standing in for a malicious recipient callback.
type reentrantTransferor struct {
	engine   *Engine
	caller   [20]byte
	innerErr error
	fired    bool
}

func (t *reentrantTransferor) Transfer(payments []Payment) error {
	if !t.fired {
		t.fired = true
		_, t.innerErr = t.engine.Withdraw(t.caller)
	}
	return nil
}

func TestReentrantWithdrawBlocked(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000_000)
	h.confirm(t)

	attacker := &reentrantTransferor{engine: h.engine, caller: h.buyer}
	h.engine.SetTransferor(attacker)

	if _, err := h.engine.Withdraw(h.buyer); err != nil {
		t.Fatalf("outer withdraw: %v", err)
	}
	if !attacker.fired {
		t.Fatalf("reentrant callback never ran")
	}
	if !errors.Is(attacker.innerErr, ErrReentrancyBlocked) {
		t.Fatalf("inner call: got %v, want ErrReentrancyBlocked", attacker.innerErr)
	}
}

func TestActiveIndexPointsAtNewestDeal(t *testing.T) {
	h := newTestHarness()
	first := h.createDeal(t, 500)
	second := h.createDeal(t, 700)

	if first.ID == second.ID {
		t.Fatalf("deal ids must be unique per nonce")
	}
	for _, deal := range []*Deal{first, second} {
		if state, err := h.engine.GetDealState(deal.ID); err != nil || state != DealRunning {
			t.Fatalf("deal %x: state %s err %v", deal.ID[:4], state, err)
		}
	}
	// The implicit path resolves the newest deal for the pair.
	confirmed := h.confirm(t)
	if confirmed.ID != second.ID {
		t.Fatalf("index resolved stale deal")
	}
	if state, _ := h.engine.GetDealState(first.ID); state != DealRunning {
		t.Fatalf("older deal mutated by index overwrite")
	}
}

func TestConnectManagerDualEvents(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 4_000)

	evt, err := h.engine.ConnectManager(h.manager)
	if err != nil {
		t.Fatalf("manager connect: %v", err)
	}
	if evt.Type != EventTypeManagerConnected {
		t.Fatalf("event = %s, want manager connected", evt.Type)
	}
	if evt.Attributes["custodyBalance"] != "4000" {
		t.Fatalf("custody attribute = %q, want 4000", evt.Attributes["custodyBalance"])
	}

	evt, err = h.engine.ConnectManager(h.buyer)
	if err != nil {
		t.Fatalf("non-manager connect must not fail: %v", err)
	}
	if evt.Type != EventTypeInvalidManagerConnect {
		t.Fatalf("event = %s, want invalid manager connection", evt.Type)
	}
}

func TestCustodyMatchesOpenDeals(t *testing.T) {
	h := newTestHarness()
	h.createDeal(t, 1_000)
	h.confirm(t)
	h.createDeal(t, 2_500)

	if got := h.state.CustodyBalance(); got.Cmp(big.NewInt(3_500)) != 0 {
		t.Fatalf("custody = %s, want 3500", got)
	}
	if _, err := VerifyInvariants(h.state); err != nil {
		t.Fatalf("invariant sweep: %v", err)
	}

	h.advance(RefundWindow)
	if _, err := h.engine.Refund(h.buyer); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := h.state.CustodyBalance(); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("custody = %s, want 1000", got)
	}
	if _, err := VerifyInvariants(h.state); err != nil {
		t.Fatalf("invariant sweep after refund: %v", err)
	}
}

func TestGetDealUnknownID(t *testing.T) {
	h := newTestHarness()
	if _, err := h.engine.GetDeal(DealID(h.buyer, h.seller, 42)); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("got %v, want ErrDealNotFound", err)
	}
	if _, err := h.engine.GetDealState([32]byte{}); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("zero id: got %v, want ErrDealNotFound", err)
	}
}

// TestManagerRotationConcurrentWithOperations churns the manager identity from
// a second goroutine while operations that read it run; meaningful under the
// race detector, where an unguarded manager field would be flagged.
func TestManagerRotationConcurrentWithOperations(t *testing.T) {
	h := newTestHarness()
	deal := h.createDeal(t, 1_000)
	h.confirm(t)
	if _, err := h.engine.OpenDispute(h.buyer, deal.ID); err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		alternate := newTestAddress(0x77)
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.engine.SetManager(alternate)
			h.engine.SetManager(h.manager)
		}
	}()
	for i := 0; i < 200; i++ {
		_, _ = h.engine.ConnectManager(h.manager)
		_, _ = h.engine.ResolveDispute(newTestAddress(0x99), deal.ID, true)
	}
	close(stop)
	wg.Wait()

	h.engine.SetManager(h.manager)
	resolved, err := h.engine.ResolveDispute(h.manager, deal.ID, true)
	if err != nil {
		t.Fatalf("resolve after rotation churn: %v", err)
	}
	if resolved.State != DealClosed {
		t.Fatalf("state = %s, want closed", resolved.State)
	}
}

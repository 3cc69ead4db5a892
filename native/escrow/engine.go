package escrow

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
)

var errNilTransferor = errors.New("escrow engine: fund transferor not configured")

// engineState is the durable registry surface the engine drives. Keeping it an
// interface is what lets the governor swap engine logic without touching the
// stored records.
type engineState interface {
	DealPut(*Deal) error
	DealGet(id [32]byte) (*Deal, bool)
	DealNonce() (uint64, error)
	ActiveDealPut(participant [20]byte, id [32]byte) error
	ActiveDealGet(participant [20]byte) ([32]byte, bool)
	ActiveDealClear(participant [20]byte) error
	DisputePut(*DisputeRecord) error
	DisputeGet(id [32]byte) (*DisputeRecord, bool)
	CustodyCredit(amount *big.Int) error
	CustodyDebit(amount *big.Int) error
	CustodyBalance() *big.Int
}

// Payment is one outbound leg of a payout: the recipient, the value, and the
// leg name used for error attribution.
type Payment struct {
	Leg    string
	To     [20]byte
	Amount *big.Int
}

// FundTransferor moves value out of custody. Implementations must apply the
// whole batch atomically: either every payment is accepted or none is, so a
// rejected leg can never leave an earlier leg paid.
type FundTransferor interface {
	Transfer(payments []Payment) error
}

// Engine enforces the deal state machine: it is the only component that
// mutates the registry or moves custody value. Operations are totally ordered
// by an internal mutex; outbound transfers additionally hold a reentrancy
// guard so a recipient callback cannot re-enter a value-moving operation.
type Engine struct {
	mu           sync.Mutex
	transferring atomic.Bool

	state    engineState
	emitter  events.Emitter
	transfer FundTransferor
	manager  [20]byte
	nowFn    func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers wire the
// state backend, transferor and manager identity via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTransferor configures the outbound value-transfer primitive.
func (e *Engine) SetTransferor(t FundTransferor) { e.transfer = t }

// SetManager configures the escrow manager identity. The manager arbitrates
// disputes and receives fees. Safe for concurrent use: the governor rotates
// the manager while operations are in flight.
func (e *Engine) SetManager(addr [20]byte) {
	e.mu.Lock()
	e.manager = addr
	e.mu.Unlock()
}

// Manager returns the configured escrow manager identity.
func (e *Engine) Manager() [20]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manager
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// DealID derives the deterministic identifier for a deal created by the given
// pair under the given nonce.
func DealID(buyer, seller [20]byte, nonce uint64) [32]byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return ethcrypto.Keccak256Hash(buyer[:], seller[:], n[:])
}

// CreateDeal registers a new deal in the running phase and takes the attached
// value into custody. The attached value must equal the declared amount.
func (e *Engine) CreateDeal(buyer, seller [20]byte, amount, attached *big.Int) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if attached == nil || attached.Cmp(amt) != 0 {
		return nil, ErrInsufficientFunds
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	nonce, err := e.state.DealNonce()
	if err != nil {
		return nil, err
	}
	deal := &Deal{
		ID:             DealID(buyer, seller, nonce),
		Buyer:          buyer,
		Seller:         seller,
		Amount:         amt,
		State:          DealRunning,
		PhaseEnteredAt: e.now(),
	}
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	// A participant's index entry always points at their newest deal; older
	// open deals stay addressable by explicit id.
	if err := e.state.ActiveDealPut(buyer, deal.ID); err != nil {
		return nil, err
	}
	if err := e.state.ActiveDealPut(seller, deal.ID); err != nil {
		return nil, err
	}
	if err := e.state.CustodyCredit(amt); err != nil {
		return nil, err
	}
	e.emit(NewDealCreatedEvent(deal))
	return deal.Clone(), nil
}

// Confirm advances the caller's active deal from running to success. No value
// moves at this step; confirmation only unlocks the release paths.
func (e *Engine) Confirm(caller [20]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	deal, err := e.activeDeal(caller)
	if err != nil {
		return nil, err
	}
	if deal.Buyer != caller {
		return nil, ErrUnauthorized
	}
	switch deal.State {
	case DealRunning:
	case DealSuccess, DealDispute:
		return nil, ErrAlreadyFunded
	default:
		return nil, ErrInvalidState
	}
	deal.State = DealSuccess
	deal.PhaseEnteredAt = e.now()
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	e.emit(NewDealConfirmedEvent(deal))
	return deal.Clone(), nil
}

// Refund returns the escrowed value, minus the fee, to the buyer of the
// caller's active deal once the refund window has elapsed in the running
// phase.
func (e *Engine) Refund(caller [20]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.transferring.Load() {
		return nil, ErrReentrancyBlocked
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	deal, err := e.activeDeal(caller)
	if err != nil {
		return nil, err
	}
	if deal.Buyer != caller {
		return nil, ErrUnauthorized
	}
	if deal.State != DealRunning {
		return nil, ErrInvalidState
	}
	if !RefundEligible(deal.PhaseEnteredAt, e.now()) {
		return nil, ErrActionNotAllowed
	}
	payout, fee := Split(deal.Amount)
	legs := []Payment{
		{Leg: LegBuyer, To: deal.Buyer, Amount: payout},
		{Leg: LegManager, To: e.manager, Amount: fee},
	}
	if err := e.payout(legs...); err != nil {
		return nil, err
	}
	if err := e.closeDeal(deal); err != nil {
		return nil, err
	}
	e.emit(NewAutomaticRefundEvent(deal, payout, fee))
	return deal.Clone(), nil
}

// Withdraw releases the escrowed value, minus the fee, to the seller of the
// caller's active deal. The buyer may release at any time in the success
// phase; the seller only after the forced-withdrawal window elapses.
func (e *Engine) Withdraw(caller [20]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.transferring.Load() {
		return nil, ErrReentrancyBlocked
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	deal, err := e.activeDeal(caller)
	if err != nil {
		return nil, err
	}
	if deal.State != DealSuccess {
		return nil, ErrInvalidState
	}
	switch caller {
	case deal.Buyer:
	case deal.Seller:
		if !ForcedWithdrawalEligible(deal.PhaseEnteredAt, e.now()) {
			return nil, ErrActionNotAllowed
		}
	default:
		return nil, ErrUnauthorized
	}
	payout, fee := Split(deal.Amount)
	legs := []Payment{
		{Leg: LegSeller, To: deal.Seller, Amount: payout},
		{Leg: LegManager, To: e.manager, Amount: fee},
	}
	if err := e.payout(legs...); err != nil {
		return nil, err
	}
	if err := e.closeDeal(deal); err != nil {
		return nil, err
	}
	e.emit(NewWithdrawnEvent(deal, payout, fee))
	return deal.Clone(), nil
}

// OpenDispute moves a success-phase deal into arbitration. Only the deal's
// buyer or seller may open it; the initiator is pinned in the dispute record.
func (e *Engine) OpenDispute(caller [20]byte, id [32]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	deal, ok := e.state.DealGet(id)
	if !ok {
		return nil, ErrDealNotFound
	}
	if caller != deal.Buyer && caller != deal.Seller {
		return nil, ErrUnauthorized
	}
	if deal.State != DealSuccess {
		return nil, ErrInvalidState
	}
	deal.State = DealDispute
	deal.PhaseEnteredAt = e.now()
	if err := e.state.DisputePut(&DisputeRecord{DealID: id, Initiator: caller, OpenedAt: e.now()}); err != nil {
		return nil, err
	}
	if err := e.state.DealPut(deal); err != nil {
		return nil, err
	}
	e.emit(NewDisputeOpenedEvent(deal, caller))
	return deal.Clone(), nil
}

// ResolveDispute settles a disputed deal by manager discretion. Refunding the
// buyer pays the full amount with no fee; paying the seller applies the normal
// fee split.
func (e *Engine) ResolveDispute(caller [20]byte, id [32]byte, refundBuyer bool) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.transferring.Load() {
		return nil, ErrReentrancyBlocked
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.manager {
		return nil, ErrUnauthorized
	}
	deal, ok := e.state.DealGet(id)
	if !ok {
		return nil, ErrDealNotFound
	}
	if deal.State != DealDispute {
		return nil, ErrInvalidState
	}
	if refundBuyer {
		// Dispute refunds are fee-free, unlike the self-service paths.
		amount := cloneBigInt(deal.Amount)
		if err := e.payout(Payment{Leg: LegBuyer, To: deal.Buyer, Amount: amount}); err != nil {
			return nil, err
		}
		if err := e.closeDeal(deal); err != nil {
			return nil, err
		}
		e.emit(NewDisputeResolvedBuyerEvent(deal, amount))
		return deal.Clone(), nil
	}
	payout, fee := Split(deal.Amount)
	legs := []Payment{
		{Leg: LegSeller, To: deal.Seller, Amount: payout},
		{Leg: LegManager, To: e.manager, Amount: fee},
	}
	if err := e.payout(legs...); err != nil {
		return nil, err
	}
	if err := e.closeDeal(deal); err != nil {
		return nil, err
	}
	e.emit(NewDisputeResolvedSellerEvent(deal, payout, fee))
	return deal.Clone(), nil
}

// ConnectManager is a non-failing connectivity probe: the manager gets a
// connected event carrying the custody balance, any other caller gets a
// distinct diagnostic event. Neither branch errors.
func (e *Engine) ConnectManager(caller [20]byte) (*events.Event, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var evt *events.Event
	if caller == e.manager {
		evt = NewManagerConnectedEvent(caller, e.state.CustodyBalance())
	} else {
		evt = NewInvalidManagerConnectionEvent(caller)
	}
	e.emit(evt)
	return evt, nil
}

// GetDeal returns a copy of the deal record for the id.
func (e *Engine) GetDeal(id [32]byte) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	deal, ok := e.state.DealGet(id)
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal.Clone(), nil
}

// GetDealState returns the lifecycle state for the id.
func (e *Engine) GetDealState(id [32]byte) (DealState, error) {
	deal, err := e.GetDeal(id)
	if err != nil {
		return DealNotFound, err
	}
	return deal.State, nil
}

// Dispute returns the audit record for a dispute opened on the deal.
func (e *Engine) Dispute(id [32]byte) (*DisputeRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, ok := e.state.DisputeGet(id)
	if !ok {
		return nil, ErrDealNotFound
	}
	return record.Clone(), nil
}

// CustodyBalance reports the total value held for all open deals.
func (e *Engine) CustodyBalance() *big.Int {
	if e == nil || e.state == nil {
		return big.NewInt(0)
	}
	return e.state.CustodyBalance()
}

func (e *Engine) activeDeal(caller [20]byte) (*Deal, error) {
	id, ok := e.state.ActiveDealGet(caller)
	if !ok {
		return nil, ErrDealNotFound
	}
	deal, ok := e.state.DealGet(id)
	if !ok {
		return nil, ErrDealNotFound
	}
	return deal, nil
}

// payout hands the outbound legs to the transferor as one atomic batch under
// the reentrancy guard. A rejected batch aborts before the caller mutates the
// registry, so a failed transfer never leaves a transitioned deal behind and
// never pays a subset of the legs.
func (e *Engine) payout(legs ...Payment) error {
	if e.transfer == nil {
		return errNilTransferor
	}
	if !e.transferring.CompareAndSwap(false, true) {
		return ErrReentrancyBlocked
	}
	defer e.transferring.Store(false)
	batch := make([]Payment, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() == 0 {
			continue
		}
		batch = append(batch, leg)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := e.transfer.Transfer(batch); err != nil {
		var transferErr *TransferError
		if errors.As(err, &transferErr) {
			return err
		}
		return &TransferError{Err: err}
	}
	return nil
}

// closeDeal finalises a payout: custody is debited by the original amount, the
// deal enters its terminal state and both index entries are released if they
// still point at it.
func (e *Engine) closeDeal(deal *Deal) error {
	if err := e.state.CustodyDebit(deal.Amount); err != nil {
		return err
	}
	deal.State = DealClosed
	deal.PhaseEnteredAt = e.now()
	if err := e.state.DealPut(deal); err != nil {
		return err
	}
	if err := e.clearActive(deal.Buyer, deal.ID); err != nil {
		return err
	}
	return e.clearActive(deal.Seller, deal.ID)
}

func (e *Engine) clearActive(participant [20]byte, id [32]byte) error {
	current, ok := e.state.ActiveDealGet(participant)
	if !ok || current != id {
		return nil
	}
	return e.state.ActiveDealClear(participant)
}

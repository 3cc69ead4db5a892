package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"escrowd/native/escrow"
	"escrowd/storage"
)

// Key prefixes inside the backing store. Hex-encoded identifiers keep the
// keyspace printable and prefix-iterable.
const (
	prefixDeal    = "deal/"
	prefixActive  = "active/"
	prefixDispute = "dispute/"
	prefixAccount = "acct/"
	keyCustody    = "meta/custody"
	keyNonce      = "meta/nonce"
)

// Manager is the durable registry behind the escrow engine: deal records, the
// per-participant active-deal index, dispute audit records, the account ledger
// recipients are paid into, and the custody balance. All writes go through a
// single mutex so the store never sees a torn record.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type dealRecord struct {
	ID             string `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Amount         string `json:"amount"`
	State          uint8  `json:"state"`
	PhaseEnteredAt int64  `json:"phaseEnteredAt"`
}

type disputeRecord struct {
	DealID    string `json:"dealId"`
	Initiator string `json:"initiator"`
	OpenedAt  int64  `json:"openedAt"`
}

// DealPut persists the deal record, replacing any previous version.
func (m *Manager) DealPut(deal *escrow.Deal) error {
	sanitized, err := escrow.SanitizeDeal(deal)
	if err != nil {
		return err
	}
	record := dealRecord{
		ID:             hex.EncodeToString(sanitized.ID[:]),
		Buyer:          hex.EncodeToString(sanitized.Buyer[:]),
		Seller:         hex.EncodeToString(sanitized.Seller[:]),
		Amount:         sanitized.Amount.String(),
		State:          uint8(sanitized.State),
		PhaseEnteredAt: sanitized.PhaseEnteredAt,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(dealKey(sanitized.ID), raw)
}

// DealGet loads the deal record for the id.
func (m *Manager) DealGet(id [32]byte) (*escrow.Deal, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(dealKey(id))
	m.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	deal, err := decodeDeal(raw)
	if err != nil {
		return nil, false
	}
	return deal, true
}

// DealList returns every stored deal, used by the governor's invariant sweep.
func (m *Manager) DealList() ([]*escrow.Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var deals []*escrow.Deal
	var decodeErr error
	err := m.db.IteratePrefix([]byte(prefixDeal), func(_, value []byte) bool {
		deal, err := decodeDeal(value)
		if err != nil {
			decodeErr = err
			return false
		}
		deals = append(deals, deal)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return deals, nil
}

// DealNonce returns the next creation nonce, advancing the persisted counter.
func (m *Manager) DealNonce() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce := new(big.Int)
	raw, err := m.db.Get([]byte(keyNonce))
	switch {
	case err == nil:
		if _, ok := nonce.SetString(string(raw), 10); !ok {
			return 0, fmt.Errorf("state: corrupt deal nonce %q", raw)
		}
	case errors.Is(err, storage.ErrKeyNotFound):
	default:
		return 0, err
	}
	next := new(big.Int).Add(nonce, big.NewInt(1))
	if err := m.db.Put([]byte(keyNonce), []byte(next.String())); err != nil {
		return 0, err
	}
	return nonce.Uint64(), nil
}

// ActiveDealPut points the participant's index entry at the deal.
func (m *Manager) ActiveDealPut(participant [20]byte, id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(activeKey(participant), []byte(hex.EncodeToString(id[:])))
}

// ActiveDealGet resolves the participant's current deal id.
func (m *Manager) ActiveDealGet(participant [20]byte) ([32]byte, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(activeKey(participant))
	m.mu.RUnlock()
	var id [32]byte
	if err != nil {
		return id, false
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil || len(decoded) != len(id) {
		return id, false
	}
	copy(id[:], decoded)
	return id, true
}

// ActiveDealClear removes the participant's index entry.
func (m *Manager) ActiveDealClear(participant [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete(activeKey(participant))
}

// DisputePut persists the dispute audit record. Records are write-once; a
// second put for the same deal is rejected to keep the trail immutable.
func (m *Manager) DisputePut(record *escrow.DisputeRecord) error {
	if record == nil {
		return fmt.Errorf("state: nil dispute record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exists, err := m.db.Has(disputeKey(record.DealID))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("state: dispute record already exists for deal %x", record.DealID)
	}
	raw, err := json.Marshal(disputeRecord{
		DealID:    hex.EncodeToString(record.DealID[:]),
		Initiator: hex.EncodeToString(record.Initiator[:]),
		OpenedAt:  record.OpenedAt,
	})
	if err != nil {
		return err
	}
	return m.db.Put(disputeKey(record.DealID), raw)
}

// DisputeGet loads the dispute record for the deal id.
func (m *Manager) DisputeGet(id [32]byte) (*escrow.DisputeRecord, bool) {
	m.mu.RLock()
	raw, err := m.db.Get(disputeKey(id))
	m.mu.RUnlock()
	if err != nil {
		return nil, false
	}
	var record disputeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false
	}
	out := &escrow.DisputeRecord{OpenedAt: record.OpenedAt}
	if !decodeFixed(record.DealID, out.DealID[:]) || !decodeFixed(record.Initiator, out.Initiator[:]) {
		return nil, false
	}
	return out, true
}

// CustodyCredit grows the custody balance by the amount.
func (m *Manager) CustodyCredit(amount *big.Int) error {
	return m.custodyAdjust(amount, false)
}

// CustodyDebit shrinks the custody balance by the amount. The balance can
// never go negative; a debit below zero reports corruption.
func (m *Manager) CustodyDebit(amount *big.Int) error {
	return m.custodyAdjust(amount, true)
}

// CustodyBalance reports the total value held for open deals.
func (m *Manager) CustodyBalance() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, err := m.readBig(keyCustody)
	if err != nil {
		return big.NewInt(0)
	}
	return balance
}

func (m *Manager) custodyAdjust(amount *big.Int, debit bool) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid custody adjustment")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.readBig(keyCustody)
	if err != nil {
		return err
	}
	if debit {
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("state: custody underflow: balance %s debit %s", balance, amount)
		}
		balance.Sub(balance, amount)
	} else {
		balance.Add(balance, amount)
	}
	return m.db.Put([]byte(keyCustody), []byte(balance.String()))
}

// AccountBalance reports the ledger balance credited to the address.
func (m *Manager) AccountBalance(addr [20]byte) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, err := m.readBig(string(accountKey(addr)))
	if err != nil {
		return big.NewInt(0)
	}
	return balance
}

// Credit adds the amount to the address's ledger balance.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, err := m.readBig(string(accountKey(addr)))
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return m.db.Put(accountKey(addr), []byte(balance.String()))
}

func (m *Manager) readBig(key string) (*big.Int, error) {
	raw, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if _, ok := value.SetString(string(raw), 10); !ok {
		return nil, fmt.Errorf("state: corrupt numeric value at %s", key)
	}
	return value, nil
}

// Ledger exposes the account ledger as the engine's outbound transfer
// primitive: a payout is a credit to the recipient's ledger balance.
type Ledger struct {
	manager *Manager
}

// Ledger returns the transfer primitive backed by this manager.
func (m *Manager) Ledger() *Ledger { return &Ledger{manager: m} }

// Transfer applies the payout batch as a single ledger commit: every
// recipient's new balance is staged first and written together, and a write
// failure restores the balances already written. The batch is never
// half-applied.
func (l *Ledger) Transfer(payments []escrow.Payment) error {
	return l.manager.creditBatch(payments)
}

func (m *Manager) creditBatch(payments []escrow.Payment) error {
	for _, p := range payments {
		if p.Amount == nil || p.Amount.Sign() < 0 {
			return fmt.Errorf("state: invalid credit amount")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// The same recipient may appear on more than one leg; fold the legs into
	// one balance write per address.
	totals := make(map[[20]byte]*big.Int)
	order := make([][20]byte, 0, len(payments))
	for _, p := range payments {
		if total, ok := totals[p.To]; ok {
			total.Add(total, p.Amount)
			continue
		}
		totals[p.To] = new(big.Int).Set(p.Amount)
		order = append(order, p.To)
	}

	type stagedWrite struct {
		key     []byte
		prev    []byte
		existed bool
		next    []byte
	}
	stage := make([]stagedWrite, 0, len(order))
	for _, addr := range order {
		key := accountKey(addr)
		prev, err := m.db.Get(key)
		existed := err == nil
		if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
			return err
		}
		balance, err := m.readBig(string(key))
		if err != nil {
			return err
		}
		balance.Add(balance, totals[addr])
		stage = append(stage, stagedWrite{key: key, prev: prev, existed: existed, next: []byte(balance.String())})
	}
	for i, write := range stage {
		if err := m.db.Put(write.key, write.next); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stage[j].existed {
					_ = m.db.Put(stage[j].key, stage[j].prev)
				} else {
					_ = m.db.Delete(stage[j].key)
				}
			}
			return err
		}
	}
	return nil
}

func decodeDeal(raw []byte) (*escrow.Deal, error) {
	var record dealRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	deal := &escrow.Deal{
		State:          escrow.DealState(record.State),
		PhaseEnteredAt: record.PhaseEnteredAt,
	}
	if !decodeFixed(record.ID, deal.ID[:]) {
		return nil, fmt.Errorf("state: corrupt deal id %q", record.ID)
	}
	if !decodeFixed(record.Buyer, deal.Buyer[:]) || !decodeFixed(record.Seller, deal.Seller[:]) {
		return nil, fmt.Errorf("state: corrupt deal participants for %s", record.ID)
	}
	amount := new(big.Int)
	if _, ok := amount.SetString(record.Amount, 10); !ok {
		return nil, fmt.Errorf("state: corrupt deal amount %q", record.Amount)
	}
	deal.Amount = amount
	return deal, nil
}

func decodeFixed(encoded string, dst []byte) bool {
	decoded, err := hex.DecodeString(encoded)
	if err != nil || len(decoded) != len(dst) {
		return false
	}
	copy(dst, decoded)
	return true
}

func dealKey(id [32]byte) []byte {
	return []byte(prefixDeal + hex.EncodeToString(id[:]))
}

func activeKey(addr [20]byte) []byte {
	return []byte(prefixActive + hex.EncodeToString(addr[:]))
}

func disputeKey(id [32]byte) []byte {
	return []byte(prefixDispute + hex.EncodeToString(id[:]))
}

func accountKey(addr [20]byte) []byte {
	return []byte(prefixAccount + hex.EncodeToString(addr[:]))
}

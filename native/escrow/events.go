package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/events"
)

const (
	EventTypeDealCreated           = "escrow.deal_created"
	EventTypeDealConfirmed         = "escrow.deal_confirmed"
	EventTypeAutomaticRefund       = "escrow.automatic_refund"
	EventTypeWithdrawn             = "escrow.withdrawn"
	EventTypeDisputeOpened         = "escrow.dispute_opened"
	EventTypeDisputeResolvedBuyer  = "escrow.dispute_resolved_buyer"
	EventTypeDisputeResolvedSeller = "escrow.dispute_resolved_seller"
	EventTypeManagerConnected      = "escrow.manager_connected"
	EventTypeInvalidManagerConnect = "escrow.invalid_manager_connection"
	EventTypeLogicUpgraded         = "escrow.logic_upgraded"
)

// NewDealCreatedEvent returns the canonical payload for a newly created deal.
func NewDealCreatedEvent(d *Deal) *events.Event {
	attrs := dealAttrs(d)
	return &events.Event{Type: EventTypeDealCreated, Attributes: attrs}
}

// NewDealConfirmedEvent returns the payload emitted when the buyer confirms a
// deal into the success phase.
func NewDealConfirmedEvent(d *Deal) *events.Event {
	attrs := dealAttrs(d)
	return &events.Event{Type: EventTypeDealConfirmed, Attributes: attrs}
}

// NewAutomaticRefundEvent returns the payload for a time-locked refund to the
// buyer, carrying both the refunded portion and the deducted fee.
func NewAutomaticRefundEvent(d *Deal, refund, fee *big.Int) *events.Event {
	attrs := dealAttrs(d)
	attrs["refundAmount"] = bigString(refund)
	attrs["fee"] = bigString(fee)
	return &events.Event{Type: EventTypeAutomaticRefund, Attributes: attrs}
}

// NewWithdrawnEvent returns the payload for a release of the escrowed value to
// the seller.
func NewWithdrawnEvent(d *Deal, payment, fee *big.Int) *events.Event {
	attrs := dealAttrs(d)
	attrs["payment"] = bigString(payment)
	attrs["fee"] = bigString(fee)
	return &events.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}

// NewDisputeOpenedEvent returns the payload emitted when a participant opens a
// dispute.
func NewDisputeOpenedEvent(d *Deal, initiator [20]byte) *events.Event {
	attrs := dealAttrs(d)
	attrs["initiator"] = hex.EncodeToString(initiator[:])
	return &events.Event{Type: EventTypeDisputeOpened, Attributes: attrs}
}

// NewDisputeResolvedBuyerEvent returns the payload for a fee-free dispute
// refund to the buyer.
func NewDisputeResolvedBuyerEvent(d *Deal, amount *big.Int) *events.Event {
	attrs := dealAttrs(d)
	attrs["amount"] = bigString(amount)
	return &events.Event{Type: EventTypeDisputeResolvedBuyer, Attributes: attrs}
}

// NewDisputeResolvedSellerEvent returns the payload for a dispute resolution
// paying the seller under the normal fee split.
func NewDisputeResolvedSellerEvent(d *Deal, payment, fee *big.Int) *events.Event {
	attrs := dealAttrs(d)
	attrs["payment"] = bigString(payment)
	attrs["fee"] = bigString(fee)
	return &events.Event{Type: EventTypeDisputeResolvedSeller, Attributes: attrs}
}

// NewManagerConnectedEvent returns the payload for a successful manager
// connectivity probe, reporting the custody balance held by the engine.
func NewManagerConnectedEvent(addr [20]byte, custody *big.Int) *events.Event {
	return &events.Event{Type: EventTypeManagerConnected, Attributes: map[string]string{
		"address":        hex.EncodeToString(addr[:]),
		"custodyBalance": bigString(custody),
	}}
}

// NewInvalidManagerConnectionEvent returns the non-failing payload emitted when
// a caller other than the manager runs the connectivity probe.
func NewInvalidManagerConnectionEvent(addr [20]byte) *events.Event {
	return &events.Event{Type: EventTypeInvalidManagerConnect, Attributes: map[string]string{
		"address": hex.EncodeToString(addr[:]),
	}}
}

// NewLogicUpgradedEvent returns the payload emitted after the governor swaps
// the engine logic over the existing registry state.
func NewLogicUpgradedEvent(owner [20]byte, deals int) *events.Event {
	return &events.Event{Type: EventTypeLogicUpgraded, Attributes: map[string]string{
		"owner":         hex.EncodeToString(owner[:]),
		"dealsVerified": strconv.Itoa(deals),
	}}
}

func dealAttrs(d *Deal) map[string]string {
	attrs := make(map[string]string)
	if d == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(d.ID[:])
	attrs["buyer"] = hex.EncodeToString(d.Buyer[:])
	attrs["seller"] = hex.EncodeToString(d.Seller[:])
	attrs["amount"] = bigString(d.Amount)
	attrs["state"] = d.State.String()
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

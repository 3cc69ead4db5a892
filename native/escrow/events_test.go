package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestDealEventAttributes(t *testing.T) {
	buyer := newTestAddress(0x11)
	seller := newTestAddress(0x22)
	deal := &Deal{
		ID:     DealID(buyer, seller, 3),
		Buyer:  buyer,
		Seller: seller,
		Amount: big.NewInt(1_000),
		State:  DealRunning,
	}

	evt := NewDealCreatedEvent(deal)
	if evt.Type != EventTypeDealCreated {
		t.Fatalf("type = %s", evt.Type)
	}
	if evt.Attributes["id"] != hex.EncodeToString(deal.ID[:]) {
		t.Fatalf("id attribute mismatch")
	}
	if evt.Attributes["amount"] != "1000" {
		t.Fatalf("amount attribute = %q", evt.Attributes["amount"])
	}
	if evt.Attributes["state"] != "running" {
		t.Fatalf("state attribute = %q", evt.Attributes["state"])
	}
}

func TestRefundEventCarriesSplit(t *testing.T) {
	deal := &Deal{Amount: big.NewInt(1_000_000), State: DealClosed}
	evt := NewAutomaticRefundEvent(deal, big.NewInt(985_000), big.NewInt(15_000))
	if evt.Attributes["refundAmount"] != "985000" {
		t.Fatalf("refundAmount = %q", evt.Attributes["refundAmount"])
	}
	if evt.Attributes["fee"] != "15000" {
		t.Fatalf("fee = %q", evt.Attributes["fee"])
	}
}

func TestDisputeOpenedEventCarriesInitiator(t *testing.T) {
	initiator := newTestAddress(0x33)
	evt := NewDisputeOpenedEvent(&Deal{Amount: big.NewInt(1), State: DealDispute}, initiator)
	if evt.Attributes["initiator"] != hex.EncodeToString(initiator[:]) {
		t.Fatalf("initiator = %q", evt.Attributes["initiator"])
	}
}

func TestManagerProbeEvents(t *testing.T) {
	manager := newTestAddress(0xEE)
	evt := NewManagerConnectedEvent(manager, big.NewInt(77))
	if evt.Type != EventTypeManagerConnected {
		t.Fatalf("type = %s", evt.Type)
	}
	if evt.Attributes["custodyBalance"] != "77" {
		t.Fatalf("custodyBalance = %q", evt.Attributes["custodyBalance"])
	}

	other := newTestAddress(0x44)
	evt = NewInvalidManagerConnectionEvent(other)
	if evt.Type != EventTypeInvalidManagerConnect {
		t.Fatalf("type = %s", evt.Type)
	}
	if evt.Attributes["address"] != hex.EncodeToString(other[:]) {
		t.Fatalf("address = %q", evt.Attributes["address"])
	}
	if _, ok := evt.Attributes["custodyBalance"]; ok {
		t.Fatalf("diagnostic variant must not leak custody balance")
	}
}

func TestNilDealEventsAreEmpty(t *testing.T) {
	evt := NewDealCreatedEvent(nil)
	if evt.Type != EventTypeDealCreated || len(evt.Attributes) != 0 {
		t.Fatalf("nil deal must yield an empty attribute map")
	}
}

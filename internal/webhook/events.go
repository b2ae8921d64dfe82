package webhook

import (
	"strings"

	"github.com/Mutter0815/MassTexter/internal/ledger"
)

type EventType uint8

const (
	EventUnknown EventType = iota
	EventMessageSent
	EventMessageFinalized
	EventMessageReceived

	eventTypeCount
)

var eventNames = [...]string{
	EventUnknown:          "unknown",
	EventMessageSent:      "message.sent",
	EventMessageFinalized: "message.finalized",
	EventMessageReceived:  "message.received",
}

var _ [eventTypeCount]string = eventNames

func (e EventType) String() string {
	if e >= eventTypeCount {
		return eventNames[EventUnknown]
	}
	return eventNames[e]
}

func ParseEventType(s string) EventType {
	for i, name := range eventNames {
		if i != int(EventUnknown) && name == s {
			return EventType(i)
		}
	}
	return EventUnknown
}

// CarrierStatus is a Telnyx per-recipient message status.
type CarrierStatus uint8

const (
	CarrierUnknown CarrierStatus = iota
	CarrierQueued
	CarrierSending
	CarrierSent
	CarrierDelivered
	CarrierSendingFailed
	CarrierDeliveryFailed
	CarrierExpired
	CarrierDeliveryUnconfirmed

	carrierStatusCount
)

var carrierNames = [...]string{
	CarrierUnknown:             "unknown",
	CarrierQueued:              "queued",
	CarrierSending:             "sending",
	CarrierSent:                "sent",
	CarrierDelivered:           "delivered",
	CarrierSendingFailed:       "sending_failed",
	CarrierDeliveryFailed:      "delivery_failed",
	CarrierExpired:             "expired",
	CarrierDeliveryUnconfirmed: "delivery_unconfirmed",
}

// carrierLedger maps each carrier status to the ledger status it produces.
// An empty entry means the status leaves the ledger alone.
var carrierLedger = [...]ledger.Status{
	CarrierUnknown:             "",
	CarrierQueued:              ledger.StatusSent,
	CarrierSending:             ledger.StatusSent,
	CarrierSent:                ledger.StatusSent,
	CarrierDelivered:           ledger.StatusDelivered,
	CarrierSendingFailed:       ledger.StatusFailed,
	CarrierDeliveryFailed:      ledger.StatusFailed,
	CarrierExpired:             ledger.StatusFailed,
	CarrierDeliveryUnconfirmed: ledger.StatusUndelivered,
}

// Both tables must cover every carrier status.
var (
	_ [carrierStatusCount]string        = carrierNames
	_ [carrierStatusCount]ledger.Status = carrierLedger
)

func (c CarrierStatus) String() string {
	if c >= carrierStatusCount {
		return carrierNames[CarrierUnknown]
	}
	return carrierNames[c]
}

func ParseCarrierStatus(s string) CarrierStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range carrierNames {
		if i != int(CarrierUnknown) && name == s {
			return CarrierStatus(i)
		}
	}
	return CarrierUnknown
}

// LedgerStatus is the ledger status c maps to; ok is false when c must not
// change the ledger.
func (c CarrierStatus) LedgerStatus() (ledger.Status, bool) {
	if c >= carrierStatusCount {
		return "", false
	}
	st := carrierLedger[c]
	return st, st != ""
}

var optOutKeywords = map[string]struct{}{
	"stop":        {},
	"unsubscribe": {},
	"cancel":      {},
	"quit":        {},
	"end":         {},
}

var helpKeywords = map[string]struct{}{
	"help": {},
	"info": {},
}

// IsOptOut reports whether an inbound text is exactly an opt-out keyword.
func IsOptOut(text string) bool {
	_, ok := optOutKeywords[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

func IsHelp(text string) bool {
	_, ok := helpKeywords[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

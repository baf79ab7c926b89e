package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// EventType classifies a processor notification. The set is closed;
// anything unrecognized maps to EventUnknown with the raw string kept on
// the event so dispatch stays exhaustive.
type EventType string

const (
	EventAuthorization EventType = "authorization"
	EventCapture       EventType = "capture"
	EventRefund        EventType = "refund"
	EventTokenization  EventType = "tokenization"
	EventUnknown       EventType = "unknown"
)

// ParseEventType normalizes a raw processor event-type string.
func ParseEventType(raw string) EventType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(EventAuthorization):
		return EventAuthorization
	case string(EventCapture):
		return EventCapture
	case string(EventRefund):
		return EventRefund
	case string(EventTokenization):
		return EventTokenization
	default:
		return EventUnknown
	}
}

// Event is a verified processor notification. It is ephemeral: only its
// fingerprint survives on the order.
type Event struct {
	Type    EventType
	RawType string // original event-type string, for notes on unknown types

	MerchantReference       string
	CheckoutReference       string
	PayfacReference         string
	OriginalPayfacReference string

	Amount    int64 // minor units
	Currency  string
	Reason    string
	Success   bool
	Timestamp string

	CardNumber  string // masked by the processor, still redacted from logs
	CardSummary string // last four digits
	AuthCode    string
	ThreeDS     bool
	Token       string
	CardBrand   string
}

// Fingerprint derives the stable event identity used for deduplication:
// SHA-256 over the fixed-order tuple of defining fields.
func (e Event) Fingerprint() string {
	tuple := strings.Join([]string{
		e.PayfacReference,
		strings.ToLower(e.RawType),
		e.OriginalPayfacReference,
		strconv.FormatInt(e.Amount, 10),
		e.Timestamp,
	}, ":")
	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])
}

// Sanitized renders the event for on-order storage with sensitive fields
// removed: the token is dropped and the card number keeps only its last
// four digits.
func (e Event) Sanitized() string {
	snapshot := map[string]any{
		"merchantReference": e.MerchantReference,
		"checkoutReference": e.CheckoutReference,
		"payfacReference":   e.PayfacReference,
		"eventType":         strings.ToLower(e.RawType),
		"amount":            e.Amount,
		"currency":          e.Currency,
		"reason":            e.Reason,
		"success":           e.Success,
		"timestamp":         e.Timestamp,
	}
	if e.CardNumber != "" {
		snapshot["cardNumber"] = maskPAN(e.CardNumber)
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}
	return string(raw)
}

// maskPAN replaces every digit except the last four with '*'.
func maskPAN(card string) string {
	digits := 0
	for _, r := range card {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	var b strings.Builder
	seen := 0
	for _, r := range card {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= digits-4 {
				b.WriteRune('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseCardExpiry extracts an MM/YY expiry from the delimited reason field
// of a tokenization event ("...:...:MM/YY"). Best effort: both values are
// empty when the format does not match.
func ParseCardExpiry(reason string) (month, year string) {
	parts := strings.Split(reason, ":")
	if len(parts) < 3 {
		return "", ""
	}
	expiry := strings.Split(parts[2], "/")
	if len(expiry) != 2 {
		return "", ""
	}
	return strings.TrimSpace(expiry[0]), strings.TrimSpace(expiry[1])
}

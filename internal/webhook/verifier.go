package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// Verifier authenticates raw webhook payloads before any order is touched.
// It holds the shared HMAC secret as configured (hex-encoded) and decodes
// it per verification so a misconfigured key degrades to a verification
// failure instead of a startup error.
type Verifier struct {
	hexKey string
	log    *slog.Logger
}

// NewVerifier builds a verifier around the hex-encoded HMAC key.
func NewVerifier(hexKey string, log *slog.Logger) *Verifier {
	return &Verifier{hexKey: strings.TrimSpace(hexKey), log: log}
}

// payload mirrors the processor's callback schema. Field types are loose
// where the processor has been observed sending both forms.
type payload struct {
	HMACSignature     string      `json:"hmacSignature"`
	CheckoutReference string      `json:"checkoutReference"`
	PayfacReference   string      `json:"payfacReference"`
	MerchantReference flexString  `json:"merchantReference"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	Reason            string      `json:"reason"`
	Success           *flexBool   `json:"success"`
	Timestamp         string      `json:"timestamp"`
	AdditionalData    struct {
		EventType               string   `json:"eventType"`
		OriginalPayfacReference string   `json:"originalPayfacReference"`
		CardNumber              string   `json:"cardNumber"`
		CardSummary             string   `json:"cardSummary"`
		AuthCode                string   `json:"authCode"`
		ThreeDAuthenticated     flexBool `json:"threeDAuthenticated"`
		Token                   string   `json:"token"`
		PaymentMethod           string   `json:"paymentMethod"`
		PayfacReference         string   `json:"payfacReference"`
	} `json:"additionalData"`
}

// Verify parses and authenticates a raw request body. The returned event is
// actionable; any failure is a coded *Error and the body must not reach the
// reconciler.
func (v *Verifier) Verify(body []byte) (*Event, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		v.log.Warn("webhook payload is not valid JSON", "error", err)
		return nil, ErrInvalidJSON()
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"hmacSignature", p.HMACSignature},
		{"checkoutReference", p.CheckoutReference},
		{"payfacReference", p.PayfacReference},
		{"merchantReference", string(p.MerchantReference)},
	} {
		if strings.TrimSpace(field.value) == "" {
			v.log.Warn("webhook missing required field", "field", field.name)
			return nil, ErrMissingField(field.name)
		}
	}

	if !v.validSignature(p) {
		return nil, ErrInvalidSignature()
	}

	amount, _ := p.Amount.Int64()
	rawType := p.AdditionalData.EventType
	ev := &Event{
		Type:                    ParseEventType(rawType),
		RawType:                 strings.ToLower(strings.TrimSpace(rawType)),
		MerchantReference:       strings.TrimSpace(string(p.MerchantReference)),
		CheckoutReference:       strings.TrimSpace(p.CheckoutReference),
		PayfacReference:         strings.TrimSpace(p.PayfacReference),
		OriginalPayfacReference: strings.TrimSpace(p.AdditionalData.OriginalPayfacReference),
		Amount:                  amount,
		Currency:                strings.TrimSpace(p.Currency),
		Reason:                  strings.TrimSpace(p.Reason),
		Success:                 p.Success != nil && bool(*p.Success),
		Timestamp:               strings.TrimSpace(p.Timestamp),
		CardNumber:              strings.TrimSpace(p.AdditionalData.CardNumber),
		CardSummary:             strings.TrimSpace(p.AdditionalData.CardSummary),
		AuthCode:                strings.TrimSpace(p.AdditionalData.AuthCode),
		ThreeDS:                 bool(p.AdditionalData.ThreeDAuthenticated),
		Token:                   p.AdditionalData.Token,
		CardBrand:               strings.TrimSpace(p.AdditionalData.PaymentMethod),
	}
	if ev.RawType == "" {
		ev.RawType = string(EventUnknown)
	}
	return ev, nil
}

// validSignature recomputes the HMAC-SHA256 over the deterministic
// colon-joined field tuple and compares in constant time.
func (v *Verifier) validSignature(p payload) bool {
	if v.hexKey == "" {
		v.log.Error("no HMAC secret configured; rejecting webhook")
		return false
	}
	key, err := hex.DecodeString(v.hexKey)
	if err != nil {
		v.log.Error("configured HMAC key is not valid hex; rejecting webhook")
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signatureBase(p)))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(p.HMACSignature)) {
		v.log.Warn("HMAC signature validation failed")
		return false
	}
	return true
}

// signatureBase joins the signed fields in their contractual order:
// checkoutReference:payfacReference:merchantReference:amount:currency:reason:success.
// Absent amount and success fields render as empty elements, matching how
// the sender signs them.
func signatureBase(p payload) string {
	success := ""
	if p.Success != nil {
		success = strconv.FormatBool(bool(*p.Success))
	}
	return strings.Join([]string{
		p.CheckoutReference,
		p.PayfacReference,
		string(p.MerchantReference),
		p.Amount.String(),
		p.Currency,
		p.Reason,
		success,
	}, ":")
}

// flexString accepts JSON strings and numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = flexString(num.String())
	return nil
}

// flexBool accepts JSON booleans and the strings "true"/"false".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", `"true"`:
		*b = true
	case "false", `"false"`, "null", `""`:
		*b = false
	default:
		var v bool
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*b = flexBool(v)
	}
	return nil
}

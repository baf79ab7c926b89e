package gateway

import (
	"github.com/jonandreas/straumur-payments/internal/app/domain"
)

// SessionRequest describes a hosted-checkout session to create. Amount is
// in minor units. Optional fields are omitted from the wire payload when
// unset; the remote schema rejects explicit nulls.
type SessionRequest struct {
	Amount       int64
	Currency     string
	ReturnURL    string
	Reference    string
	Items        []domain.LineItem
	Subscription bool
	AbandonURL   string
}

// Session is the hosted-checkout session issued by the processor.
type Session struct {
	URL               string `json:"url"`
	CheckoutReference string `json:"checkoutReference"`
}

// TokenCharge describes a token-based payment (subscription renewal).
type TokenCharge struct {
	Token     string
	Amount    int64
	Currency  string
	Reference string
	ShopperIP string
	Origin    string
	Channel   string
	ReturnURL string
}

// Result codes the processor returns for payment attempts.
const (
	resultAuthorised      = "Authorised"
	resultRedirectShopper = "RedirectShopper"
)

// PaymentResult is a processor response to a payment or status request.
// PayfacReference is canonical after normalization; the alternate fields
// are kept only for decoding.
type PaymentResult struct {
	ResultCode      string `json:"resultCode"`
	PayfacReference string `json:"payfacReference"`
	PspReference    string `json:"pspReference"`
	AdditionalData  struct {
		PayfacReference string `json:"payfacReference"`
	} `json:"additionalData"`
	Redirect struct {
		URL string `json:"url"`
	} `json:"redirect"`
}

// Authorised reports a successfully authorized payment attempt.
func (r *PaymentResult) Authorised() bool {
	return r.ResultCode == resultAuthorised
}

// RequiresRedirect reports that the shopper must be sent to the redirect
// URL to finish the payment (3-D Secure and similar flows).
func (r *PaymentResult) RequiresRedirect() bool {
	return r.ResultCode == resultRedirectShopper
}

// RedirectURL is the shopper redirect target, when present.
func (r *PaymentResult) RedirectURL() string {
	return r.Redirect.URL
}

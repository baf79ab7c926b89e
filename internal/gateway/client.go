package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonandreas/straumur-payments/internal/app/ports"
)

// ErrRequestFailed is the uniform failure for any gateway call that did not
// succeed: transport error, non-2xx status, or a malformed body. Callers
// must treat it as "request did not succeed" and never retry here; retry
// policy belongs to the operator layer.
var ErrRequestFailed = errors.New("gateway request failed")

const requestTimeout = 60 * time.Second

// Config carries the static gateway settings, loaded once and never
// mutated after construction.
type Config struct {
	BaseURL           string
	APIKey            string
	TerminalID        string
	GatewayTerminalID string // used for tokenized payments
	ThemeKey          string
	Production        bool
	SendItems         bool
	ManualCapture     bool
	CheckoutExpiry    time.Duration // already clamped by config loading
}

// Client is a stateless wrapper over the Straumur HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      ports.Clock
	log        *slog.Logger
}

// New builds a gateway client. clock defaults to wall time when nil.
func New(cfg Config, clock ports.Clock, log *slog.Logger) *Client {
	if clock == nil {
		clock = ports.ClockFunc(time.Now)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		clock:      clock,
		log:        log,
	}
}

// sessionPayload is the hostedcheckout request body. Optional fields use
// omitempty so they are absent, not null, when unused.
type sessionPayload struct {
	Amount             int64       `json:"amount"`
	Currency           string      `json:"currency"`
	ReturnURL          string      `json:"returnUrl"`
	Reference          string      `json:"reference"`
	TerminalIdentifier string      `json:"terminalIdentifier"`
	ExpiresAt          string      `json:"expiresAt"`
	Items              []lineEntry `json:"items,omitempty"`
	ThemeKey           string      `json:"themeKey,omitempty"`
	IsManualCapture    bool        `json:"isManualCapture,omitempty"`
	RecurringModel     string      `json:"recurringProcessingModel,omitempty"`
	AbandonURL         string      `json:"abandonUrl,omitempty"`
}

type lineEntry struct {
	Name   string `json:"Name"`
	Amount int64  `json:"Amount"`
}

// CreateSession creates a hosted-checkout session. The absolute expiry is
// computed from the clock plus the configured (clamped) duration.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	expiresAt := c.clock.Now().UTC().Add(c.cfg.CheckoutExpiry).Format("2006-01-02T15:04:05.000Z")

	body := sessionPayload{
		Amount:             req.Amount,
		Currency:           req.Currency,
		ReturnURL:          req.ReturnURL,
		Reference:          req.Reference,
		TerminalIdentifier: c.cfg.TerminalID,
		ExpiresAt:          expiresAt,
	}
	if c.cfg.SendItems {
		for _, it := range req.Items {
			body.Items = append(body.Items, lineEntry{Name: it.Name, Amount: it.Amount})
		}
	}
	// The theme key only applies against the production checkout.
	if c.cfg.Production && c.cfg.ThemeKey != "" {
		body.ThemeKey = c.cfg.ThemeKey
	}
	if c.cfg.ManualCapture {
		body.IsManualCapture = true
	}
	if req.Subscription {
		body.RecurringModel = "Subscription"
	}
	if req.AbandonURL != "" {
		body.AbandonURL = req.AbandonURL
	}

	var session Session
	if err := c.do(ctx, http.MethodPost, "hostedcheckout/", body, &session); err != nil {
		return nil, err
	}
	if session.URL == "" {
		c.log.Error("session response missing checkout url", "reference", req.Reference)
		return nil, ErrRequestFailed
	}
	return &session, nil
}

// SessionStatus looks up a hosted-checkout session by checkout reference
// and normalizes the processor reference on the result.
func (c *Client) SessionStatus(ctx context.Context, checkoutRef string) (*PaymentResult, error) {
	var res PaymentResult
	endpoint := "hostedcheckout/status/" + url.PathEscape(checkoutRef)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &res); err != nil {
		return nil, err
	}
	c.normalizeReference(&res, checkoutRef)
	return &res, nil
}

// Capture requests capture of an authorized payment.
func (c *Client) Capture(ctx context.Context, payfacRef, merchantRef string, amount int64, currency string) error {
	body := map[string]any{
		"reference":       merchantRef,
		"payfacReference": payfacRef,
		"amount":          amount,
		"currency":        currency,
	}
	return c.do(ctx, http.MethodPost, "modification/capture", body, nil)
}

// Reverse requests the processor's unified reversal: cancellation before
// capture, refund after.
func (c *Client) Reverse(ctx context.Context, merchantRef, payfacRef string) error {
	body := map[string]any{
		"reference":       merchantRef,
		"payfacReference": payfacRef,
	}
	return c.do(ctx, http.MethodPost, "modification/reverse", body, nil)
}

// ChargeToken charges a stored token. The result is classified by the
// caller via Authorised/RequiresRedirect; an Authorised result has its
// processor reference normalized here.
func (c *Client) ChargeToken(ctx context.Context, charge TokenCharge) (*PaymentResult, error) {
	body := map[string]any{
		"terminalIdentifier": c.cfg.GatewayTerminalID,
		"amount":             charge.Amount,
		"currency":           charge.Currency,
		"reference":          charge.Reference,
		"shopperIp":          charge.ShopperIP,
		"origin":             charge.Origin,
		"channel":            charge.Channel,
		"returnUrl":          charge.ReturnURL,
		"tokenDetails": map[string]any{
			"tokenValue":               charge.Token,
			"recurringProcessingModel": "Subscription",
		},
	}

	c.log.Info("processing token payment", "reference", charge.Reference, "amount", charge.Amount)

	var res PaymentResult
	if err := c.do(ctx, http.MethodPost, "payment", body, &res); err != nil {
		return nil, err
	}

	switch {
	case res.Authorised():
		c.normalizeReference(&res, charge.Reference)
		c.log.Info("token payment authorised", "reference", charge.Reference)
	case res.RequiresRedirect():
		c.log.Info("token payment requires redirect", "reference", charge.Reference)
	default:
		c.log.Error("token payment failed", "reference", charge.Reference, "result_code", res.ResultCode)
	}
	return &res, nil
}

// normalizeReference produces the canonical payfacReference with priority:
// top-level payfacReference, then pspReference, then the additional-data
// field, then absent.
func (c *Client) normalizeReference(res *PaymentResult, reference string) {
	switch {
	case res.PayfacReference != "":
	case res.PspReference != "":
		res.PayfacReference = res.PspReference
		c.log.Info("normalized pspReference to payfacReference", "reference", reference, "payfac_reference", res.PayfacReference)
	case res.AdditionalData.PayfacReference != "":
		res.PayfacReference = res.AdditionalData.PayfacReference
		c.log.Info("extracted payfacReference from additionalData", "reference", reference, "payfac_reference", res.PayfacReference)
	default:
		c.log.Warn("no payfacReference in response; refunds may not be possible", "reference", reference)
	}
}

// do sends one API request and decodes a 2xx JSON body into out. Anything
// else collapses to ErrRequestFailed.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	target := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + endpoint

	var reader io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-key", c.cfg.APIKey)

	c.log.Debug("gateway request", "method", method, "url", target, "body", redact(raw))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("gateway request error", "method", method, "url", target, "error", err)
		return ErrRequestFailed
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.log.Error("gateway response read error", "url", target, "error", err)
		return ErrRequestFailed
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 300 {
		level = slog.LevelError
	}
	c.log.Log(ctx, level, "gateway response", "url", target, "status", resp.StatusCode, "body", redact(payload))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrRequestFailed
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			c.log.Error("gateway response decode error", "url", target, "error", err)
			return ErrRequestFailed
		}
	}
	return nil
}

// sensitiveKeys are replaced before request/response bodies hit the log.
var sensitiveKeys = []string{"tokenValue", "token", "cardNumber"}

// redact masks sensitive values in a JSON document for logging.
func redact(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "[unparseable]"
	}
	redactValue(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return "[unparseable]"
	}
	return string(out)
}

func redactValue(v any) {
	switch node := v.(type) {
	case map[string]any:
		for key, val := range node {
			masked := false
			for _, s := range sensitiveKeys {
				if key == s {
					if _, ok := val.(string); ok {
						node[key] = "[REDACTED]"
						masked = true
					}
					break
				}
			}
			if !masked {
				redactValue(val)
			}
		}
	case []any:
		for _, item := range node {
			redactValue(item)
		}
	}
}

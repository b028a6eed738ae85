// Package gateway wraps the Razorpay REST API for order creation, payment
// lookup, refunds and signature verification.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/platform/monitor"
)

// ErrSignatureMismatch is returned when an HMAC check fails.
var ErrSignatureMismatch = errors.New("gateway: signature mismatch")

// serviceName identifies the gateway in the resilience monitor.
const serviceName = "payment_gateway"

const requestTimeout = 10 * time.Second

// Error is a failure reported by the gateway API.
type Error struct {
	StatusCode int
	Code       string
	Desc       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: %s (%s, http %d)", e.Desc, e.Code, e.StatusCode)
}

// Order is a gateway order created ahead of payment collection.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// Payment is the gateway's view of a payment.
type Payment struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Method         string `json:"method"`
	ErrorCode      string `json:"error_code"`
	ErrorDesc      string `json:"error_description"`
	AmountRefunded int64  `json:"amount_refunded"`
}

// Refund is a processed or pending refund.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	// AlreadyRefunded is set when the refund request found the payment
	// refunded by an earlier attempt.
	AlreadyRefunded bool `json:"-"`
}

// Config holds the gateway credentials.
type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
}

// Client talks to the Razorpay API. Calls run under the resilience monitor's
// circuit breaker when one is attached.
type Client struct {
	cfg     Config
	http    *http.Client
	monitor *monitor.Monitor
	log     zerolog.Logger
}

func NewClient(cfg Config, mon *monitor.Monitor, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.razorpay.com/v1"
	}
	if mon != nil {
		mon.TrackService(serviceName)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: requestTimeout},
		monitor: mon,
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

// do executes the request under the breaker and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	op := func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reqBody = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("gateway request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			var apiErr struct {
				Error struct {
					Code        string `json:"code"`
					Description string `json:"description"`
				} `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			return &Error{
				StatusCode: resp.StatusCode,
				Code:       apiErr.Error.Code,
				Desc:       apiErr.Error.Description,
			}
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if c.monitor != nil {
		return c.monitor.Do(ctx, serviceName, op)
	}
	return op(ctx)
}

// CreateOrder creates a gateway order for the given amount in minor currency
// units (paise for INR).
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*Order, error) {
	req := map[string]interface{}{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		req["notes"] = notes
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	c.log.Info().Str("order_id", order.ID).Int64("amount", amount).Str("receipt", receipt).Msg("gateway order created")
	return &order, nil
}

// FetchPayment retrieves the current state of a payment.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, &p); err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	return &p, nil
}

// InitiateRefund refunds a captured payment. The payment is fetched first so
// that a refund already processed by an earlier attempt (or by the gateway's
// own reconciliation) is reported as success instead of an error.
func (c *Client) InitiateRefund(ctx context.Context, paymentID string, amount int64) (*Refund, error) {
	p, err := c.FetchPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == "refunded" || (p.AmountRefunded > 0 && p.AmountRefunded >= p.Amount) {
		c.log.Info().Str("payment_id", paymentID).Msg("payment already refunded, skipping refund call")
		return &Refund{PaymentID: paymentID, Amount: p.AmountRefunded, Status: "processed", AlreadyRefunded: true}, nil
	}

	req := map[string]interface{}{}
	if amount > 0 {
		req["amount"] = amount
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/payments/"+paymentID+"/refund", req, &refund); err != nil {
		var apiErr *Error
		// The gateway races its own auto-refunds; re-check before failing.
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			if p2, fetchErr := c.FetchPayment(ctx, paymentID); fetchErr == nil && p2.Status == "refunded" {
				c.log.Info().Str("payment_id", paymentID).Msg("refund raced with gateway, payment already refunded")
				return &Refund{PaymentID: paymentID, Amount: p2.AmountRefunded, Status: "processed", AlreadyRefunded: true}, nil
			}
		}
		return nil, fmt.Errorf("refund payment %s: %w", paymentID, err)
	}
	c.log.Info().Str("payment_id", paymentID).Str("refund_id", refund.ID).Msg("refund initiated")
	return &refund, nil
}

// VerifyPaymentSignature checks the checkout callback signature, an HMAC of
// "<orderID>|<paymentID>" under the key secret.
func (c *Client) VerifyPaymentSignature(orderID, paymentID, signature string) error {
	expected := hmacHex([]byte(c.cfg.KeySecret), []byte(orderID+"|"+paymentID))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyWebhookSignature checks the signature header against the raw webhook
// body using the webhook secret.
func (c *Client) VerifyWebhookSignature(body []byte, signature string) error {
	expected := hmacHex([]byte(c.cfg.WebhookSecret), body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

func hmacHex(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

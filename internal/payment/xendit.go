package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/metrics"

	"github.com/shopspring/decimal"
)

const maxResponseBytes = 1 << 20

// XenditGateway 调用 Xendit 发票 API：secret key 作为 basic auth 用户名，密码为空。
type XenditGateway struct {
	baseURL   string
	secretKey string
	client    *http.Client
}

func NewXenditGateway(baseURL, secretKey string, timeout time.Duration) *XenditGateway {
	return &XenditGateway{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
	}
}

type xenditItem struct {
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    json.Number `json:"price"`
	Category string      `json:"category,omitempty"`
}

type xenditCreateInvoice struct {
	ExternalID         string       `json:"external_id"`
	Amount             json.Number  `json:"amount"`
	PayerEmail         string       `json:"payer_email,omitempty"`
	Description        string       `json:"description"`
	InvoiceDuration    int64        `json:"invoice_duration"`
	Currency           string       `json:"currency"`
	Items              []xenditItem `json:"items,omitempty"`
	SuccessRedirectURL string       `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string       `json:"failure_redirect_url,omitempty"`
	PaymentMethods     []string     `json:"payment_methods,omitempty"`
}

type xenditInvoice struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"external_id"`
	Status     string      `json:"status"`
	Amount     json.Number `json:"amount"`
	InvoiceURL string      `json:"invoice_url"`
	ExpiryDate string      `json:"expiry_date"`
	PaidAt     string      `json:"paid_at"`
}

type xenditError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (g *XenditGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := xenditCreateInvoice{
		ExternalID:         req.ExternalID,
		Amount:             json.Number(req.Amount.StringFixed(2)),
		PayerEmail:         req.PayerEmail,
		Description:        req.Description,
		InvoiceDuration:    int64(req.Duration / time.Second),
		Currency:           req.Currency,
		SuccessRedirectURL: req.SuccessRedirectURL,
		FailureRedirectURL: req.FailureRedirectURL,
		PaymentMethods:     req.PaymentMethods,
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, xenditItem{
			Name:     it.Name,
			Quantity: it.Quantity,
			Price:    json.Number(it.Price.StringFixed(2)),
			Category: it.Category,
		})
	}
	return g.do(ctx, "create", http.MethodPost, "/v2/invoices", body)
}

func (g *XenditGateway) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return g.do(ctx, "get", http.MethodGet, "/v2/invoices/"+url.PathEscape(id), nil)
}

func (g *XenditGateway) ExpireInvoice(ctx context.Context, id string) (*Invoice, error) {
	return g.do(ctx, "expire", http.MethodPost, "/invoices/"+url.PathEscape(id)+"/expire!", nil)
}

func (g *XenditGateway) do(ctx context.Context, op, method, path string, payload any) (inv *Invoice, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.GatewayCalls.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Gateway("encode invoice request", err, false)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, apperr.Gateway("build gateway request", err, false)
	}
	req.SetBasicAuth(g.secretKey, "")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.Gateway("Payment gateway timed out", err, true)
		}
		return nil, apperr.Gateway("Payment gateway unreachable", err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Gateway("read gateway response", err, true)
	}

	if resp.StatusCode >= 300 {
		var xe xenditError
		_ = json.Unmarshal(raw, &xe)
		msg := xe.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		cause := fmt.Errorf("xendit %s %s: status %d %s", method, path, resp.StatusCode, xe.ErrorCode)
		return nil, apperr.Gateway(msg, cause, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var xi xenditInvoice
	if err := json.Unmarshal(raw, &xi); err != nil {
		return nil, apperr.Gateway("decode gateway response", err, false)
	}
	if xi.ID == "" {
		return nil, apperr.Gateway("gateway response missing invoice id", nil, false)
	}
	return toInvoice(xi, raw), nil
}

func toInvoice(xi xenditInvoice, raw []byte) *Invoice {
	inv := &Invoice{
		ID:         xi.ID,
		ExternalID: xi.ExternalID,
		Status:     xi.Status,
		InvoiceURL: xi.InvoiceURL,
		ExpiresAt:  parseTime(xi.ExpiryDate),
		PaidAt:     parseTime(xi.PaidAt),
		Raw:        raw,
	}
	if xi.Amount != "" {
		if d, err := decimal.NewFromString(xi.Amount.String()); err == nil {
			inv.Amount = d
		}
	}
	return inv
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

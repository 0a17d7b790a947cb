package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storefront/internal/apperr"
)

// fakeGateway 内存发票表，按 id 返回预置状态。
type fakeGateway struct {
	mu       sync.Mutex
	seq      int
	invoices map[string]*Invoice
	requests []InvoiceRequest
	expired  []string

	createErr error
	getErr    error
	expireErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{invoices: map[string]*Invoice{}}
}

func (f *fakeGateway) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	exp := time.Now().Add(req.Duration)
	inv := &Invoice{
		ID:         fmt.Sprintf("inv_%d", f.seq),
		ExternalID: req.ExternalID,
		Status:     "PENDING",
		Amount:     req.Amount,
		InvoiceURL: fmt.Sprintf("https://checkout.example.com/inv_%d", f.seq),
		ExpiresAt:  &exp,
		Raw:        []byte(fmt.Sprintf(`{"id":"inv_%d","status":"PENDING"}`, f.seq)),
	}
	f.invoices[inv.ID] = inv
	return inv, nil
}

func (f *fakeGateway) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, apperr.Gateway("invoice not found", nil, false)
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeGateway) ExpireInvoice(_ context.Context, id string) (*Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	if f.expireErr != nil {
		return nil, f.expireErr
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, apperr.Gateway("invoice not found", nil, false)
	}
	inv.Status = "EXPIRED"
	inv.Raw = []byte(fmt.Sprintf(`{"id":"%s","status":"EXPIRED"}`, id))
	cp := *inv
	return &cp, nil
}

// setStatus 模拟网关侧状态变化。
func (f *fakeGateway) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[id].Status = status
}

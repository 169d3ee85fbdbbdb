package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPBackend talks to a hosted orders API.
//
// Expected endpoints:
//
//	GET {base}/orders/{order_id}
//	GET {base}/orders?customer_name=<name>
//	GET {base}/orders
type HTTPBackend struct {
	base   string
	client *http.Client
}

// NewHTTPBackend returns a backend for the given base URL. A nil client
// gets a 10 second default timeout.
func NewHTTPBackend(base string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPBackend{base: strings.TrimRight(base, "/"), client: client}
}

func (b *HTTPBackend) get(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("orders api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("orders api read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// GetOrderStatus fetches a single order. HTTP errors from the API come
// back as a not-found result rather than a transport error so the
// caller can speak them.
func (b *HTTPBackend) GetOrderStatus(ctx context.Context, orderID string) (StatusResult, error) {
	status, body, err := b.get(ctx, b.base+"/orders/"+url.PathEscape(orderID))
	if err != nil {
		return StatusResult{}, err
	}
	if status >= 400 {
		return StatusResult{Found: false, Error: fmt.Sprintf("HTTP %d", status)}, nil
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return StatusResult{}, fmt.Errorf("orders api decode: %w", err)
	}
	return StatusResult{Found: true, Order: &order}, nil
}

// FindOrdersByCustomerName queries by customer name. API errors yield
// an empty result set.
func (b *HTTPBackend) FindOrdersByCustomerName(ctx context.Context, customerName string) ([]Order, error) {
	q := url.Values{"customer_name": {customerName}}
	status, body, err := b.get(ctx, b.base+"/orders?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return []Order{}, nil
	}
	return decodeOrderList(body)
}

// ListOrders fetches every order.
func (b *HTTPBackend) ListOrders(ctx context.Context) ([]Order, error) {
	status, body, err := b.get(ctx, b.base+"/orders")
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return []Order{}, nil
	}
	return decodeOrderList(body)
}

// decodeOrderList accepts either a bare JSON array or an object with an
// "orders" field.
func decodeOrderList(body []byte) ([]Order, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var out []Order
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("orders api decode: %w", err)
		}
		return out, nil
	}
	var wrapped struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("orders api decode: %w", err)
	}
	if wrapped.Orders == nil {
		return []Order{}, nil
	}
	return wrapped.Orders, nil
}

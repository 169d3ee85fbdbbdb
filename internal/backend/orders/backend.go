// Package orders answers order-status questions from a customer data
// store. Two implementations exist, a JSON file store re-read on every
// call so data edits need no restart, and an HTTP client for a hosted
// orders API.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrDataUnavailable wraps any failure to load or parse the customer
// data source.
var ErrDataUnavailable = errors.New("customer data unavailable")

// Order is one order row with the owning customer resolved.
type Order struct {
	ID                string `json:"id"`
	CustomerID        string `json:"customer_id,omitempty"`
	CustomerName      string `json:"customer_name,omitempty"`
	Status            string `json:"status,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	DeliveryWindow    string `json:"delivery_window,omitempty"`
	Items             string `json:"items,omitempty"`
}

// StatusResult is the lookup answer for a single order id.
type StatusResult struct {
	Found bool   `json:"found"`
	Order *Order `json:"order,omitempty"`
	Error string `json:"error,omitempty"`
}

// Backend is the order data source.
type Backend interface {
	GetOrderStatus(ctx context.Context, orderID string) (StatusResult, error)
	FindOrdersByCustomerName(ctx context.Context, customerName string) ([]Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
}

type customer struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

type dataFile struct {
	Customers []customer `json:"customers"`
	Orders    []Order    `json:"orders"`
}

// FileBackend reads customers and orders from a JSON file on every
// call.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend over the given customer data file.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) load() (*dataFile, error) {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrDataUnavailable, b.path, err)
	}
	var data dataFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrDataUnavailable, b.path, err)
	}
	return &data, nil
}

func (d *dataFile) customersByID() map[string]customer {
	out := make(map[string]customer, len(d.Customers))
	for _, c := range d.Customers {
		if id := strings.TrimSpace(c.ID); id != "" {
			out[id] = c
		}
	}
	return out
}

func (d *dataFile) customersByName() map[string]customer {
	out := make(map[string]customer)
	for _, c := range d.Customers {
		if name := normName(c.Name); name != "" {
			out[name] = c
		}
		for _, alias := range c.Aliases {
			if a := normName(alias); a != "" {
				out[a] = c
			}
		}
	}
	return out
}

// GetOrderStatus resolves one order id, case-insensitively, and
// attaches the owning customer's name.
func (b *FileBackend) GetOrderStatus(ctx context.Context, orderID string) (StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return StatusResult{}, err
	}
	data, err := b.load()
	if err != nil {
		return StatusResult{}, err
	}

	byID := data.customersByID()
	want := strings.ToUpper(strings.TrimSpace(orderID))
	for _, o := range data.Orders {
		if strings.ToUpper(strings.TrimSpace(o.ID)) != want {
			continue
		}
		if c, ok := byID[strings.TrimSpace(o.CustomerID)]; ok {
			o.CustomerName = c.Name
		}
		return StatusResult{Found: true, Order: &o}, nil
	}
	return StatusResult{Found: false, Error: fmt.Sprintf("Order %s not found.", orderID)}, nil
}

// FindOrdersByCustomerName matches the customer by normalized name or
// alias and returns their orders. An unknown customer yields an empty
// slice, not an error.
func (b *FileBackend) FindOrdersByCustomerName(ctx context.Context, customerName string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := b.load()
	if err != nil {
		return nil, err
	}

	c, ok := data.customersByName()[normName(customerName)]
	if !ok || strings.TrimSpace(c.ID) == "" {
		return []Order{}, nil
	}

	var out []Order
	for _, o := range data.Orders {
		if strings.TrimSpace(o.CustomerID) != strings.TrimSpace(c.ID) {
			continue
		}
		o.CustomerName = c.Name
		out = append(out, o)
	}
	if out == nil {
		out = []Order{}
	}
	return out, nil
}

// ListOrders returns every order with customer names resolved.
func (b *FileBackend) ListOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := b.load()
	if err != nil {
		return nil, err
	}

	byID := data.customersByID()
	out := make([]Order, 0, len(data.Orders))
	for _, o := range data.Orders {
		if c, ok := byID[strings.TrimSpace(o.CustomerID)]; ok {
			o.CustomerName = c.Name
		}
		out = append(out, o)
	}
	return out, nil
}

func normName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

var orderIDPattern = regexp.MustCompile(`(?i)\bORD[-\s]?\d{3,}\b`)

// ExtractOrderID pulls the first order number out of free text and
// normalizes it to the ORD-<digits> form. Returns "" when none is
// present.
func ExtractOrderID(text string) string {
	match := orderIDPattern.FindString(text)
	if match == "" {
		return ""
	}
	raw := strings.ToUpper(strings.ReplaceAll(match, " ", ""))
	raw = strings.Replace(raw, "ORD", "ORD-", 1)
	return strings.Replace(raw, "ORD--", "ORD-", 1)
}

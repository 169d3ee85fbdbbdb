// Package toolcall defines the tool surface the model can trigger and
// validates incoming call arguments against each tool's JSON schema before
// any backend work is submitted.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
)

// Tool is one callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Kind        query.Kind
	Schema      string

	compiled *jsonschema.Schema
}

var (
	// ErrUnknownTool is returned for a call naming no registered tool.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when call arguments fail schema
	// validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Set is a compiled, name-indexed tool collection.
type Set struct {
	tools map[string]*Tool
	order []string
}

// NewSet compiles every tool schema up front so argument validation never
// pays compilation cost on the hot path.
func NewSet(tools []Tool) (*Set, error) {
	set := &Set{tools: map[string]*Tool{}}
	for i := range tools {
		tool := tools[i]
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("tool %d requires a name", i)
		}
		if _, exists := set.tools[name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		compiled, err := compileSchema(name, tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", name, err)
		}
		tool.compiled = compiled
		set.tools[name] = &tool
		set.order = append(set.order, name)
	}
	return set, nil
}

// Names returns tool names in registration order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Lookup returns the named tool.
func (s *Set) Lookup(name string) (Tool, error) {
	tool, ok := s.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return *tool, nil
}

// Validate parses and schema-checks raw call arguments, returning the
// decoded argument map and the query kind to dispatch.
func (s *Set) Validate(name, rawArgs string) (query.Kind, map[string]any, error) {
	tool, ok := s.tools[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if strings.TrimSpace(rawArgs) == "" {
		rawArgs = "{}"
	}

	var payload any
	if err := json.Unmarshal([]byte(rawArgs), &payload); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if err := tool.compiled.Validate(payload); err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}

	args, _ := payload.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return tool.Kind, args, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, fmt.Errorf("schema is required")
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// DefaultTools returns the customer-service tool surface: order status,
// orders by customer, order listing, CRM lookup, ticket creation, and
// calendar availability.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "get_order_status",
			Description: "Look up the status of an order by its order number (e.g. ORD-5001).",
			Kind:        query.KindOrderLookup,
			Schema: `{
				"type": "object",
				"properties": {
					"order_id": {"type": "string", "description": "Order number, e.g. ORD-5001"}
				},
				"required": ["order_id"]
			}`,
		},
		{
			Name:        "find_orders_by_customer_name",
			Description: "Find a customer's recent orders by their full name.",
			Kind:        query.KindCustomerOrders,
			Schema: `{
				"type": "object",
				"properties": {
					"customer_name": {"type": "string", "description": "Customer first and last name"}
				},
				"required": ["customer_name"]
			}`,
		},
		{
			Name:        "list_all_orders",
			Description: "List all orders on file.",
			Kind:        query.KindListOrders,
			Schema:      `{"type": "object", "properties": {}}`,
		},
		{
			Name:        "lookup_customer",
			Description: "Look up a customer record by id or email.",
			Kind:        query.KindCRMLookup,
			Schema: `{
				"type": "object",
				"properties": {
					"customer_id": {"type": "string"},
					"email": {"type": "string"}
				},
				"anyOf": [
					{"required": ["customer_id"]},
					{"required": ["email"]}
				]
			}`,
		},
		{
			Name:        "create_ticket",
			Description: "Open a support ticket on behalf of the caller.",
			Kind:        query.KindTicketCreate,
			Schema: `{
				"type": "object",
				"properties": {
					"subject": {"type": "string"},
					"description": {"type": "string"},
					"priority": {"type": "string", "enum": ["low", "normal", "high"]}
				},
				"required": ["subject"]
			}`,
		},
		{
			Name:        "check_calendar_availability",
			Description: "Check technician calendar availability for a service visit.",
			Kind:        query.KindCalendar,
			Schema: `{
				"type": "object",
				"properties": {
					"date": {"type": "string", "description": "Requested date, YYYY-MM-DD"},
					"duration_minutes": {"type": "integer", "minimum": 15}
				},
				"required": ["date"]
			}`,
		},
	}
}

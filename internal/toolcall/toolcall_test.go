package toolcall

import (
	"errors"
	"testing"

	"github.com/tiger/voice-agent-bridge/internal/bridge/query"
)

func newDefaultSet(t *testing.T) *Set {
	t.Helper()
	set, err := NewSet(DefaultTools())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	return set
}

func TestValidateAcceptsWellFormedArguments(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	kind, args, err := set.Validate("get_order_status", `{"order_id": "ORD-5001"}`)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if kind != query.KindOrderLookup {
		t.Fatalf("kind = %q, want %q", kind, query.KindOrderLookup)
	}
	if got := args["order_id"]; got != "ORD-5001" {
		t.Fatalf("order_id = %v, want ORD-5001", got)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	if _, _, err := set.Validate("get_order_status", `{}`); !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	if _, _, err := set.Validate("list_all_orders", `{"trailing"`); !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
}

func TestValidateUnknownTool(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	if _, _, err := set.Validate("transfer_funds", `{}`); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
}

func TestValidateEmptyArgumentsTreatedAsObject(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	kind, args, err := set.Validate("list_all_orders", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if kind != query.KindListOrders {
		t.Fatalf("kind = %q, want %q", kind, query.KindListOrders)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v, want empty", args)
	}
}

func TestLookupCustomerRequiresIdentifier(t *testing.T) {
	t.Parallel()

	set := newDefaultSet(t)
	if _, _, err := set.Validate("lookup_customer", `{}`); !errors.Is(err, ErrInvalidArguments) {
		t.Fatalf("err = %v, want ErrInvalidArguments", err)
	}
	if _, _, err := set.Validate("lookup_customer", `{"email": "dana@example.com"}`); err != nil {
		t.Fatalf("Validate by email: %v", err)
	}
}

func TestNewSetRejectsDuplicates(t *testing.T) {
	t.Parallel()

	tools := []Tool{
		{Name: "ping", Kind: query.KindListOrders, Schema: `{"type": "object"}`},
		{Name: "ping", Kind: query.KindListOrders, Schema: `{"type": "object"}`},
	}
	if _, err := NewSet(tools); err == nil {
		t.Fatal("expected duplicate tool error")
	}
}

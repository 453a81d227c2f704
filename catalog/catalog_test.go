package catalog_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/webhooks/catalog"
)

func TestCatalogRegisterAndGet(t *testing.T) {
	c := catalog.New(nil)

	err := c.Register(catalog.Definition{
		Name:        " order.created ",
		Description: "An order was placed",
		Schema:      json.RawMessage(amountSchema),
	})
	if err != nil {
		t.Fatal(err)
	}

	def, ok := c.Get("order.created")
	if !ok {
		t.Fatal("expected definition to be registered under its trimmed name")
	}
	if def.Description != "An order was placed" {
		t.Fatalf("got description %q", def.Description)
	}

	if _, ok := c.Get("order.paid"); ok {
		t.Fatal("unexpected definition")
	}
}

func TestCatalogRegisterRejects(t *testing.T) {
	c := catalog.New(nil)

	if err := c.Register(catalog.Definition{Name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := c.Register(catalog.Definition{Name: "x", Schema: json.RawMessage(`{"type":`)}); err == nil {
		t.Fatal("expected error for broken schema")
	}
	if len(c.List()) != 0 {
		t.Fatal("rejected definitions must not be stored")
	}
}

func TestCatalogList(t *testing.T) {
	c := catalog.New(nil)
	for _, name := range []string{"order.paid", "invoice.created", "order.created"} {
		if err := c.Register(catalog.Definition{Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	list := c.List()
	if len(list) != 3 {
		t.Fatalf("expected 3, got %d", len(list))
	}
	if list[0].Name != "invoice.created" || list[2].Name != "order.paid" {
		t.Fatal("expected definitions sorted by name")
	}
}

func TestCatalogValidate(t *testing.T) {
	c := catalog.New(nil)
	_ = c.Register(catalog.Definition{Name: "order.created", Schema: json.RawMessage(amountSchema)})
	_ = c.Register(catalog.Definition{Name: "order.note"})

	tests := []struct {
		name      string
		eventType string
		data      any
		wantErr   bool
	}{
		{"valid", "order.created", map[string]any{"amount": 1, "currency": "USD"}, false},
		{"invalid", "order.created", map[string]any{"amount": "one"}, true},
		{"no schema", "order.note", "anything", false},
		{"unknown type", "user.signup", 42, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.eventType, tt.data)
			if tt.wantErr {
				if !errors.Is(err, catalog.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

package orders

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const orderSchemaURL = "https://orderdesk.local/schema/order.json"

//go:embed schema/order.schema.json
var orderSchemaJSON []byte

var (
	orderSchemaOnce sync.Once
	orderSchema     *jsonschema.Schema
	orderSchemaErr  error
)

func compiledOrderSchema() (*jsonschema.Schema, error) {
	orderSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(orderSchemaJSON))
		if err != nil {
			orderSchemaErr = fmt.Errorf("parse order schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(orderSchemaURL, doc); err != nil {
			orderSchemaErr = fmt.Errorf("add order schema: %w", err)
			return
		}
		orderSchema, orderSchemaErr = compiler.Compile(orderSchemaURL)
	})
	return orderSchema, orderSchemaErr
}

// PayloadError reports a record that does not have the shape of an order.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string {
	return "malformed order payload: " + e.Err.Error()
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// ValidatePayload checks one raw order record against the embedded order
// schema.
func ValidatePayload(raw []byte) error {
	schema, err := compiledOrderSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &PayloadError{Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &PayloadError{Err: err}
	}
	return nil
}

package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// ToolFunc is a tool handler with typed, schema-checked arguments.
type ToolFunc[A any] func(ctx context.Context, conn ConnInfo, args A) (any, error)

// RegisterTool registers a typed tool handler. The argument struct A is
// reflected into a JSON schema for discovery, and inbound params are decoded
// strictly: unknown fields fail the call with an invalid_params error rather
// than being dropped.
func RegisterTool[A any](r *Registry, path, description string, fn ToolFunc[A]) error {
	return r.Register(CategoryTool, path, typedHandler(fn),
		WithDescription(description),
		WithInputSchema(ReflectSchema[A]()),
	)
}

// RegisterPrompt registers a typed prompt handler, mirroring RegisterTool.
func RegisterPrompt[A any](r *Registry, path, description string, fn ToolFunc[A]) error {
	return r.Register(CategoryPrompt, path, typedHandler(fn),
		WithDescription(description),
		WithInputSchema(ReflectSchema[A]()),
	)
}

func typedHandler[A any](fn ToolFunc[A]) Handler {
	return func(ctx context.Context, conn ConnInfo, params json.RawMessage) (any, error) {
		var args A
		if len(params) > 0 {
			dec := json.NewDecoder(bytes.NewReader(params))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, Errorf("invalid_params", "invalid arguments: %v", err)
			}
		}
		return fn(ctx, conn, args)
	}
}

// ReflectSchema reflects the struct type A into an inline JSON schema.
func ReflectSchema[A any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	return r.Reflect(new(A))
}

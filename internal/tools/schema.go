package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/swarmgate/internal/fault"
)

// Validator compiles each tool's parameter schema once and checks call
// arguments against it before dispatch. Mismatches fail with SCHEMA, which
// the runtime feeds back to the model as a correctable tool_result.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against the tool's parameter schema.
func (v *Validator) Validate(t Tool, args map[string]interface{}) error {
	schema, err := v.schemaFor(t)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so argument values carry the types the
	// schema library expects (json.Number style floats, plain maps).
	var doc interface{} = map[string]interface{}{}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fault.Wrap(fault.CodeSchema, err, "tool %s: marshal args", t.Name())
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fault.Wrap(fault.CodeSchema, err, "tool %s: decode args", t.Name())
		}
	}

	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.CodeSchema, err, "tool %s: invalid arguments", t.Name())
	}
	return nil
}

func (v *Validator) schemaFor(t Tool) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	name := t.Name()
	if s, ok := v.compiled[name]; ok {
		return s, nil
	}

	params := t.Parameters()
	if params == nil {
		v.compiled[name] = nil
		return nil, nil
	}

	// Normalize the Go-literal schema into plain JSON types before compiling.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	v.compiled[name] = schema
	return schema, nil
}

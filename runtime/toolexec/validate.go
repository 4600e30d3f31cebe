package toolexec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentgate/agentgate/runtime/catalog"
	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// schemaCache holds compiled argument schemas keyed by the tool's definition
// hash, so a schema is compiled once per definition revision.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) validate(tool *catalog.Tool, args map[string]any) error {
	schema, err := c.schemaFor(tool)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	// Schemas are compiled from JSON, so validate against the generic form.
	if err := schema.Validate(anyValue(args)); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			return gwerrors.Wrap(gwerrors.KindValidation,
				fmt.Sprintf("arguments for %s: %s", tool.ID, failingPointer(verr)), err)
		}
		return gwerrors.Wrap(gwerrors.KindValidation, "arguments for "+tool.ID, err)
	}
	return nil
}

func (c *schemaCache) schemaFor(tool *catalog.Tool) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if schema, ok := c.compiled[tool.DefinitionHash]; ok {
		return schema, nil
	}
	schema, err := compileSchema(tool.Definition.InputSchema)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "compile argument schema for "+tool.ID, err)
	}
	c.compiled[tool.DefinitionHash] = schema
	return schema, nil
}

func compileSchema(in catalog.InputSchema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDocument(in))
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile("schema.json")
}

// schemaDocument lowers the catalog's normalized schema into a plain JSON
// Schema document. The transport-only Location field is dropped.
func schemaDocument(in catalog.InputSchema) map[string]any {
	doc := map[string]any{"type": "object"}
	if in.Type != "" {
		doc["type"] = in.Type
	}
	if len(in.Properties) > 0 {
		props := make(map[string]any, len(in.Properties))
		for name, prop := range in.Properties {
			p := map[string]any{}
			if prop.Type != "" {
				p["type"] = prop.Type
			}
			if prop.Description != "" {
				p["description"] = prop.Description
			}
			if len(prop.Enum) > 0 {
				enum := make([]any, len(prop.Enum))
				for i, v := range prop.Enum {
					enum[i] = v
				}
				p["enum"] = enum
			}
			props[name] = p
		}
		doc["properties"] = props
	}
	if len(in.Required) > 0 {
		required := make([]any, len(in.Required))
		for i, v := range in.Required {
			required[i] = v
		}
		doc["required"] = required
	}
	return doc
}

// anyValue round-trips args through JSON so numeric types match what the
// validator expects for documents decoded from the wire.
func anyValue(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = verr
	return true
}

// failingPointer walks to the deepest cause and reports its instance
// location as a JSON pointer.
func failingPointer(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	pointer := "/"
	for _, seg := range verr.InstanceLocation {
		pointer += seg + "/"
	}
	if len(verr.InstanceLocation) > 0 {
		pointer = pointer[:len(pointer)-1]
	}
	return pointer
}

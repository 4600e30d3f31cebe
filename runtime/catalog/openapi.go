package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// httpMethods lists the operation keys recognized under an OpenAPI path item.
var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// NormalizeOpenAPI extracts tool definitions from a decoded OpenAPI v3
// document. Each operation becomes one Definition:
//
//   - tool_name prefers operationId; without one, a deterministic hash of
//     method+path keeps the name stable across refreshes.
//   - the input schema merges path, query, and body parameters; Location on
//     each property records where the argument travels at dispatch time.
//   - required reflects the document's required flags.
func NormalizeOpenAPI(doc map[string]any, defaultTimeout time.Duration) ([]Definition, error) {
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindValidation, "openapi document has no paths object")
	}
	pathKeys := make([]string, 0, len(paths))
	for key := range paths {
		pathKeys = append(pathKeys, key)
	}
	sort.Strings(pathKeys)

	var defs []Definition
	for _, pathKey := range pathKeys {
		item, ok := paths[pathKey].(map[string]any)
		if !ok {
			continue
		}
		// Path-level parameters apply to every operation beneath.
		shared := parameterList(item["parameters"])
		for _, method := range httpMethods {
			op, ok := item[method].(map[string]any)
			if !ok {
				continue
			}
			def := normalizeOperation(strings.ToUpper(method), pathKey, op, shared, defaultTimeout)
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func normalizeOperation(method, pathKey string, op map[string]any, shared []map[string]any, defaultTimeout time.Duration) Definition {
	name, _ := op["operationId"].(string)
	if name == "" {
		name = fallbackOperationName(method, pathKey)
	}
	summary, _ := op["summary"].(string)
	description, _ := op["description"].(string)
	desc := strings.TrimSpace(strings.Join(nonEmpty(summary, description), " — "))

	schema := InputSchema{Type: "object", Properties: map[string]PropertySchema{}}
	params := append(append([]map[string]any(nil), shared...), parameterList(op["parameters"])...)
	for _, param := range params {
		pname, _ := param["name"].(string)
		if pname == "" {
			continue
		}
		location, _ := param["in"].(string)
		if location != "path" && location != "query" {
			continue
		}
		prop := PropertySchema{Location: location}
		if ps, ok := param["schema"].(map[string]any); ok {
			prop.Type, _ = ps["type"].(string)
			prop.Enum = stringSlice(ps["enum"])
		}
		prop.Description, _ = param["description"].(string)
		schema.Properties[pname] = prop
		if req, _ := param["required"].(bool); req || location == "path" {
			schema.Required = append(schema.Required, pname)
		}
	}

	if body, ok := op["requestBody"].(map[string]any); ok {
		if bodySchema := jsonBodySchema(body); bodySchema != nil {
			props, _ := bodySchema["properties"].(map[string]any)
			for pname, raw := range props {
				ps, _ := raw.(map[string]any)
				prop := PropertySchema{Location: "body"}
				if ps != nil {
					prop.Type, _ = ps["type"].(string)
					prop.Description, _ = ps["description"].(string)
					prop.Enum = stringSlice(ps["enum"])
				}
				schema.Properties[pname] = prop
			}
			for _, name := range stringSlice(bodySchema["required"]) {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	sort.Strings(schema.Required)

	return Definition{
		Name:         name,
		Description:  desc,
		InputSchema:  schema,
		Profile:      ExecutionProfile{Mode: ExecuteHTTP, Timeout: defaultTimeout},
		HTTPMethod:   method,
		PathTemplate: pathKey,
	}
}

// fallbackOperationName derives a stable tool name for operations without an
// operationId.
func fallbackOperationName(method, pathKey string) string {
	sum := sha256.Sum256([]byte(method + " " + pathKey))
	return fmt.Sprintf("op_%s_%s", strings.ToLower(method), hex.EncodeToString(sum[:6]))
}

func jsonBodySchema(body map[string]any) map[string]any {
	content, ok := body["content"].(map[string]any)
	if !ok {
		return nil
	}
	for _, mediaType := range []string{"application/json", "*/*"} {
		media, ok := content[mediaType].(map[string]any)
		if !ok {
			continue
		}
		if schema, ok := media["schema"].(map[string]any); ok {
			return schema
		}
	}
	return nil
}

func parameterList(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringSlice(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

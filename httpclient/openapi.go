package httpclient

import (
	"context"
	"strings"
	"time"

	"caikitnlp/internal/telemetry"
	"caikitnlp/nlp"
)

// DescribeParameters derives the accepted generation parameters from the
// server's published OpenAPI document: it walks the text-generation request
// schema down to its "parameters" object and maps each property to a type
// name.
func (c *Client) DescribeParameters(ctx context.Context) (out nlp.Schema, err error) {
	defer func(start time.Time) { telemetry.ObserveRequest(transportName, "describe_parameters", start, err) }(time.Now())

	doc, err := c.getJSON(ctx, pathOpenAPI)
	if err != nil {
		return nil, err
	}
	schemas, _ := dig(doc, "components", "schemas").(map[string]any)
	body := dig(doc, "paths", pathGenerate, "post", "requestBody", "content", "application/json", "schema")
	request := resolveRef(body, schemas, 0)
	if request == nil {
		return nil, nlp.Errf(nlp.KindRuntimeFailure, "openapi document lacks a request schema for %s", pathGenerate)
	}
	params := resolveRef(dig(request, "properties", "parameters"), schemas, 0)
	if params == nil {
		// older servers inline everything at the top level
		params = request
	}
	return schemaTree(params, schemas, 0), nil
}

// dig walks nested JSON objects by key, returning nil when any hop is
// missing or not an object.
func dig(v any, keys ...string) any {
	for _, key := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

const maxRefDepth = 16

// resolveRef chases $ref/allOf/anyOf indirection into the components table.
func resolveRef(v any, schemas map[string]any, depth int) map[string]any {
	if depth > maxRefDepth {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if ref, ok := m["$ref"].(string); ok {
		name := ref[strings.LastIndex(ref, "/")+1:]
		return resolveRef(schemas[name], schemas, depth+1)
	}
	for _, key := range []string{"allOf", "anyOf"} {
		if alts, ok := m[key].([]any); ok {
			for _, alt := range alts {
				if r := resolveRef(alt, schemas, depth+1); r != nil && r["properties"] != nil {
					return r
				}
			}
		}
	}
	return m
}

func schemaTree(m map[string]any, schemas map[string]any, depth int) nlp.Schema {
	out := nlp.Schema{}
	props, _ := m["properties"].(map[string]any)
	for name, prop := range props {
		out[name] = describeProperty(prop, schemas, depth)
	}
	return out
}

func describeProperty(prop any, schemas map[string]any, depth int) any {
	if depth > maxRefDepth {
		return "object"
	}
	resolved := resolveRef(prop, schemas, depth)
	if resolved == nil {
		return "object"
	}
	if _, ok := resolved["properties"]; ok {
		return schemaTree(resolved, schemas, depth+1)
	}
	if t, ok := resolved["type"].(string); ok {
		if t == "array" {
			return "array"
		}
		return t
	}
	return "object"
}

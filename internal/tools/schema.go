package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the argument struct T into a JSON schema object
// suitable for Tool.Parameters. Fields without omitempty are required;
// descriptions come from jsonschema_description tags.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{DoNotReference: true}
	var v T
	raw, err := json.Marshal(r.Reflect(&v))
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", v, err))
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", v, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// DecodeArgs converts validated arguments into the struct T.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}

// Validate checks args against the supported subset of JSON Schema:
// type, properties, required, enum, items and additionalProperties=false.
// It returns one message per problem, in a stable order.
func Validate(schema map[string]any, args map[string]any) []string {
	return validateObject("", schema, args)
}

func validateObject(path string, schema map[string]any, obj map[string]any) []string {
	var problems []string
	props, _ := schema["properties"].(map[string]any)

	for _, name := range requiredNames(schema["required"]) {
		if _, ok := obj[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required argument %q", join(path, name)))
		}
	}

	closed := schema["additionalProperties"] == false
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		propSchema, ok := props[k].(map[string]any)
		if !ok {
			if closed {
				problems = append(problems, fmt.Sprintf("unknown argument %q", join(path, k)))
			}
			continue
		}
		problems = append(problems, validateValue(join(path, k), propSchema, obj[k])...)
	}
	return problems
}

func validateValue(path string, schema map[string]any, v any) []string {
	if types := schemaTypes(schema["type"]); len(types) > 0 {
		matched := ""
		for _, t := range types {
			if hasType(t, v) {
				matched = t
				break
			}
		}
		if matched == "" {
			return []string{fmt.Sprintf("argument %q must be %s, got %s", path, describeTypes(types), jsonType(v))}
		}
		switch matched {
		case "object":
			return validateObject(path, schema, v.(map[string]any))
		case "array":
			if items, ok := schema["items"].(map[string]any); ok {
				var problems []string
				for i, item := range v.([]any) {
					problems = append(problems, validateValue(fmt.Sprintf("%s[%d]", path, i), items, item)...)
				}
				return problems
			}
		}
	}

	if enum, ok := schema["enum"].([]any); ok && !inEnum(enum, v) {
		return []string{fmt.Sprintf("argument %q must be one of %v", path, enum)}
	}
	if enum, ok := schema["enum"].([]string); ok && !inEnum(toAny(enum), v) {
		return []string{fmt.Sprintf("argument %q must be one of %v", path, enum)}
	}
	return nil
}

func hasType(t string, v any) bool {
	switch t {
	case "null":
		return v == nil
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(enum []any, v any) bool {
	vf, vNum := toFloat(v)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok && vNum && ef == vf {
			return true
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func schemaTypes(t any) []string {
	switch tt := t.(type) {
	case string:
		return []string{tt}
	case []string:
		return tt
	case []any:
		var out []string
		for _, x := range tt {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func requiredNames(r any) []string {
	switch rr := r.(type) {
	case []string:
		return rr
	case []any:
		out := make([]string, 0, len(rr))
		for _, x := range rr {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func describeTypes(types []string) string {
	if len(types) == 1 {
		return types[0]
	}
	return fmt.Sprintf("one of %v", types)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

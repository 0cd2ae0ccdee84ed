package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// GenerateSchema reflects a JSON schema for T with closed objects and
// inlined definitions, suitable for embedding in a prompt.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("provider: reflect schema: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("provider: reflect schema: %v", err))
	}
	return out
}

// Completer is the subset of a provider needed for structured calls.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, Usage, error)
}

// Structured runs a completion constrained to return JSON matching the
// schema of T, validates the response against that schema, and decodes
// it. Fenced code blocks around the JSON are tolerated.
func Structured[T any](ctx context.Context, c Completer, req Request) (T, Usage, error) {
	var zero T
	schema := GenerateSchema[T]()
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return zero, Usage{}, fmt.Errorf("provider: marshal schema: %w", err)
	}

	instruction := fmt.Sprintf(
		"Respond with a single JSON object matching this JSON Schema. No prose before or after the object.\n\n%s",
		schemaJSON)
	if req.System != "" {
		req.System += "\n\n" + instruction
	} else {
		req.System = instruction
	}

	text, usage, err := c.Complete(ctx, req)
	if err != nil {
		return zero, usage, err
	}

	payload := extractJSON(text)
	var raw any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return zero, usage, newErr("structured", KindInvalid, fmt.Errorf("response is not JSON: %w", err))
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(raw))
	if err != nil {
		return zero, usage, fmt.Errorf("provider: validate response: %w", err)
	}
	if !result.Valid() {
		var reasons []string
		for _, e := range result.Errors() {
			reasons = append(reasons, e.String())
		}
		return zero, usage, newErr("structured", KindInvalid,
			fmt.Errorf("response violates schema: %s", strings.Join(reasons, "; ")))
	}

	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return zero, usage, fmt.Errorf("provider: decode response: %w", err)
	}
	return out, usage, nil
}

// extractJSON strips markdown fences and any text outside the outermost
// JSON object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if i := strings.Index(text, "\n"); i >= 0 {
			text = text[i+1:]
		}
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

package analysis

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/model"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

type outputSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// outputSchemas are the compiled response schemas per kind.
var outputSchemas = map[model.AnalysisKind]outputSchema{}

func init() {
	for _, kind := range []model.AnalysisKind{model.KindMood, model.KindTopic, model.KindBreakthrough, model.KindDeep} {
		name := string(kind) + ".schema.json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("missing embedded %s: %v", name, err))
		}
		outputSchemas[kind] = outputSchema{raw: raw, compiled: mustCompileSchema(raw, name)}
	}
}

func mustCompileSchema(raw []byte, name string) *jsonschema.Schema {
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, schemaDoc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

// SchemaFor returns the JSON Schema text sent with a completion request.
func SchemaFor(kind model.AnalysisKind) json.RawMessage {
	return outputSchemas[kind].raw
}

// decodeOutput extracts the JSON object from a completion, checks it
// against the kind's schema and decodes it into out.
func decodeOutput(kind model.AnalysisKind, content string, out any) error {
	op := "analysis." + string(kind) + ".parse"

	body := extractJSON(content)
	if body == "" {
		return apperr.Parsef(op, "response contains no JSON object")
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return apperr.Parsef(op, "invalid JSON: %v", err)
	}
	sch, ok := outputSchemas[kind]
	if !ok {
		return apperr.Parsef(op, "no schema for %q", kind)
	}
	if err := sch.compiled.Validate(doc); err != nil {
		return apperr.Parsef(op, "response does not match schema: %v", err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return apperr.Parsef(op, "decode: %v", err)
	}
	return nil
}

// extractJSON returns the span from the first "{" to the last "}", which
// drops any prose or code fences the model wrapped around the object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}

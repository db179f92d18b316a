package httpapi

import (
	"errors"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"gend/pkg/types"
)

const generateSchemaURL = "gend://schemas/generate-request.json"

// generateSchema describes a well-formed POST /generate body. Unknown fields
// are allowed so older clients keep working.
const generateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["model_id", "prompt"],
  "properties": {
    "model_id":    {"type": "string", "minLength": 1},
    "prompt":      {"type": "string"},
    "max_tokens":  {"type": "integer", "minimum": 1},
    "temperature": {"type": ["number", "null"]}
  }
}`

var generateRequestSchema = mustCompile(generateSchemaURL, generateSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

// validateGenerate checks a decoded JSON document against the request schema
// and returns one FieldError per violated field.
func validateGenerate(doc any) []types.FieldError {
	err := generateRequestSchema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []types.FieldError{{Message: err.Error()}}
	}
	var out []types.FieldError
	collectFieldErrors(ve, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func collectFieldErrors(ve *jsonschema.ValidationError, out *[]types.FieldError) {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			collectFieldErrors(c, out)
		}
		return
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	if strings.HasSuffix(ve.KeywordLocation, "/required") {
		// "missing properties: 'model_id', 'prompt'"
		for _, m := range quotedName.FindAllStringSubmatch(ve.Message, -1) {
			*out = append(*out, types.FieldError{Field: joinField(field, m[1]), Message: "field required"})
		}
		return
	}
	*out = append(*out, types.FieldError{Field: field, Message: ve.Message})
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

package browseruse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/portal-connector/internal/model"
)

// CandidateSchema is the structured output schema submitted with every task
// and enforced on its output: an array of objects whose known fields are
// optional strings.
const CandidateSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "first_name": {"type": ["string", "null"]},
      "last_name": {"type": ["string", "null"]},
      "email": {"type": ["string", "null"]},
      "phone": {"type": ["string", "null"]}
    }
  }
}`

var candidateSchema = mustCompile(CandidateSchema)

func mustCompile(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("browseruse: compile output schema: %v", err))
	}
	return schema
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string
	Message string
}

// SchemaError reports task output that does not match CandidateSchema.
type SchemaError struct {
	TaskID string
	Errors []FieldError
	Cause  error
}

func (e *SchemaError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "browseruse: task %s output does not match schema", e.TaskID)
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	for _, fe := range e.Errors {
		fmt.Fprintf(&sb, "; %s: %s", fe.Field, fe.Message)
	}
	return sb.String()
}

func (e *SchemaError) Unwrap() error {
	return e.Cause
}

// DecodeCandidates validates a finished task's output and decodes it. The
// output may be the array itself or a JSON string holding it; a missing or
// null output is an empty result.
func DecodeCandidates(taskID string, output json.RawMessage) ([]model.RawCandidate, error) {
	doc := bytes.TrimSpace(output)
	if len(doc) == 0 || bytes.Equal(doc, []byte("null")) {
		return []model.RawCandidate{}, nil
	}

	if doc[0] == '"' {
		var inner string
		if err := json.Unmarshal(doc, &inner); err != nil {
			return nil, &SchemaError{TaskID: taskID, Cause: eris.Wrap(err, "decode output string")}
		}
		doc = bytes.TrimSpace([]byte(inner))
		if len(doc) == 0 {
			return []model.RawCandidate{}, nil
		}
	}

	result, err := candidateSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, &SchemaError{TaskID: taskID, Cause: eris.Wrap(err, "parse output")}
	}
	if !result.Valid() {
		se := &SchemaError{TaskID: taskID, Errors: make([]FieldError, 0, len(result.Errors()))}
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			se.Errors = append(se.Errors, FieldError{Field: field, Message: desc.Description()})
		}
		return nil, se
	}

	var out []model.RawCandidate
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, &SchemaError{TaskID: taskID, Cause: eris.Wrap(err, "decode candidates")}
	}
	if out == nil {
		out = []model.RawCandidate{}
	}
	return out, nil
}

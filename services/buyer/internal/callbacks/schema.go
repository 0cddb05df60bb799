package callbacks

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Only the correlatable parts of the envelope are checked; message bodies
// vary by action and are left to the decoder.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["context"],
  "properties": {
    "context": {
      "type": "object",
      "required": ["action", "transaction_id", "message_id"],
      "properties": {
        "action": { "type": "string", "pattern": "^on_[a-z]+$" },
        "transaction_id": { "type": "string", "minLength": 1 },
        "message_id": { "type": "string", "minLength": 1 },
        "bpp_id": { "type": "string" },
        "bpp_uri": { "type": "string" },
        "timestamp": { "type": "string" }
      }
    },
    "message": { "type": ["object", "null"] },
    "error": { "type": ["object", "null"] }
  }
}`

var envelopeLoader = gojsonschema.NewStringLoader(envelopeSchema)

// CallbackValidationError is an inbound payload we refuse to forward.
type CallbackValidationError struct {
	Action string
	Reason string
	Fields []string
}

func (e *CallbackValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("callback %s rejected: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("callback %s rejected: %s: %s", e.Action, e.Reason, strings.Join(e.Fields, "; "))
}

func validateEnvelope(action string, body []byte) error {
	result, err := gojsonschema.Validate(envelopeLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &CallbackValidationError{Action: action, Reason: "body is not JSON", Fields: []string{err.Error()}}
	}
	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			fields = append(fields, e.String())
		}
		return &CallbackValidationError{Action: action, Reason: "envelope does not conform", Fields: fields}
	}
	return nil
}

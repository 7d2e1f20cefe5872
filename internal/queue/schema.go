package queue

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchemaJSON constrains the inbound message shape before any routing
// happens. Params stay an open object since step kinds define their own keys.
const webhookSchemaJSON = `{
  "type": "object",
  "required": ["taskId", "type"],
  "properties": {
    "taskId": {"type": "string", "minLength": 1},
    "type": {"type": "string", "enum": ["execute-step", "query-status", "cancel-task"]},
    "metadata": {"type": "object"},
    "payload": {
      "type": "object",
      "properties": {
        "stepType": {"type": "string"},
        "params": {"type": "object"}
      }
    }
  }
}`

var webhookSchema = mustCompileWebhookSchema()

func mustCompileWebhookSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal webhook schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("webhook.json", doc); err != nil {
		panic(fmt.Sprintf("add webhook schema resource: %v", err))
	}
	schema, err := c.Compile("webhook.json")
	if err != nil {
		panic(fmt.Sprintf("compile webhook schema: %v", err))
	}
	return schema
}

// ValidateWebhookBody checks a raw request body against the webhook schema.
// Uses jsonschema.UnmarshalJSON for correct number handling (json.Number).
func ValidateWebhookBody(body []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("parse webhook body: %w", err)
	}
	if err := webhookSchema.Validate(parsed); err != nil {
		return fmt.Errorf("invalid webhook body: %w", err)
	}
	return nil
}

package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const sendMessageSchema = `{
	"type": "object",
	"properties": {
		"senderId": {"type": "string", "minLength": 1},
		"requestedLevel": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1, "maxLength": 10000},
		"idempotencyKey": {"type": "string", "minLength": 1, "maxLength": 255}
	},
	"required": ["senderId", "requestedLevel", "body", "idempotencyKey"],
	"additionalProperties": false
}`

const reassignSchema = `{
	"type": "object",
	"properties": {
		"level": {"type": "string", "minLength": 1},
		"state": {"type": "string"},
		"lga": {"type": "string"},
		"ward": {"type": "string"},
		"active": {"type": "boolean"}
	},
	"required": ["level", "active"],
	"additionalProperties": false
}`

var (
	sendMessageValidator = gojsonschema.NewStringLoader(sendMessageSchema)
	reassignValidator    = gojsonschema.NewStringLoader(reassignSchema)
)

func validateJSON(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

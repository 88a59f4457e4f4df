package remote

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"conduit/internal/domain"
)

// taskRequestSchema describes the body of the execution path. Provider
// options are left open here and checked against the selected backend's
// kind once it is known.
const taskRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["prompt"],
  "additionalProperties": false,
  "properties": {
    "taskId": {"type": "string", "maxLength": 128},
    "prompt": {"type": "string", "minLength": 1},
    "agentConfig": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": {"type": "string"},
        "agentType": {"type": "string"},
        "model": {"type": "string"},
        "systemPrompt": {"type": "string"}
      }
    },
    "options": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "stream": {"type": "boolean"},
        "workspacePath": {"type": "string"},
        "maxTokens": {"type": "integer", "minimum": 0},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "sandbox": {"enum": ["", "read-only", "workspace-write", "danger-full-access"]},
        "forceApproval": {"type": "boolean"},
        "resumeToken": {"type": "string"},
        "provider": {"type": ["object", "null"]}
      }
    }
  }
}`

// TaskValidator checks raw task bodies before they are decoded.
type TaskValidator struct {
	schema *jsonschema.Schema
}

// NewTaskValidator compiles the task request schema.
func NewTaskValidator() (*TaskValidator, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(taskRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return &TaskValidator{schema: schema}, nil
}

// Decode validates raw against the schema and decodes it.
func (v *TaskValidator) Decode(raw []byte) (domain.TaskRequest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return domain.TaskRequest{}, domain.NewDomainError("TaskValidator.Decode", domain.ErrInvalidInput, fmt.Sprintf("malformed JSON: %v", err))
	}
	if result := v.schema.Validate(generic); !result.IsValid() {
		return domain.TaskRequest{}, domain.NewDomainError("TaskValidator.Decode", domain.ErrInvalidInput, describe(result))
	}

	var req domain.TaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return domain.TaskRequest{}, domain.NewDomainError("TaskValidator.Decode", domain.ErrInvalidInput, err.Error())
	}
	return req, nil
}

func describe(result *jsonschema.EvaluationResult) string {
	if msg := fmt.Sprint(result.Error()); msg != "" && msg != "<nil>" {
		return msg
	}
	return "request does not match task schema"
}

package schema

import "github.com/racai-ai/saroj/constants"

// TaskRecord is the minimal shape a persisted task file must have.
func TaskRecord() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":  map[string]any{"type": "string", "enum": constants.StatusStrings()},
			"message": map[string]any{"type": "string"},
			"caseId":  map[string]any{"type": "string"},
			"docId":   map[string]any{"type": "string"},
		},
		"required": []string{"status"},
	}
}

// StepReply is the reply every pipeline step endpoint must send.
func StepReply() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":  map[string]any{"type": "string", "minLength": 1},
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"status"},
	}
}

// SubmitReply is the reply of the submission endpoint.
func SubmitReply() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":  map[string]any{"type": "string", "enum": []string{"OK", "ERROR"}},
			"id":      map[string]any{"type": "string", "minLength": 1},
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"status"},
		"if":       map[string]any{"properties": map[string]any{"status": map[string]any{"const": "OK"}}},
		"then":     map[string]any{"required": []string{"id"}},
	}
}

// ResultReply is the reply of the result polling endpoint.
func ResultReply() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"type": "string", "enum": []string{"OK", "ERROR"}},
			"result": map[string]any{
				"type": "string",
				"enum": []string{
					string(constants.TaskStatusScheduled),
					string(constants.TaskStatusRunning),
					string(constants.TaskStatusDone),
				},
			},
			"document":  map[string]any{"type": "string"},
			"outputann": map[string]any{"type": "string"},
			"version":   map[string]any{"type": "string"},
			"message":   map[string]any{"type": "string"},
		},
		"required": []string{"status"},
		"if":       map[string]any{"properties": map[string]any{"status": map[string]any{"const": "OK"}}},
		"then":     map[string]any{"required": []string{"result"}},
	}
}

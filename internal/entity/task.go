package entity

import (
	"time"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
)

// Task is the persisted record of one anonymization request.
// Byte fields are base64 encoded by encoding/json.
type Task struct {
	ID        string               `json:"-"`
	CaseID    string               `json:"caseId"`
	DocID     string               `json:"docId"`
	Document  []byte               `json:"document"`
	Status    constants.TaskStatus `json:"status"`
	Message   string               `json:"message"`
	Output    []byte               `json:"output,omitempty"`
	OutputAnn []byte               `json:"outputann,omitempty"`
	Version   string               `json:"version,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// TaskView is what a status lookup exposes to callers.
type TaskView struct {
	ID        string
	CaseID    string
	DocID     string
	Status    constants.TaskStatus
	Message   string
	Output    []byte
	OutputAnn []byte
	Version   string
	Finalized bool
}

// View projects a task record onto the caller-visible shape.
func (t *Task) View(finalized bool) TaskView {
	return TaskView{
		ID:        t.ID,
		CaseID:    t.CaseID,
		DocID:     t.DocID,
		Status:    t.Status,
		Message:   t.Message,
		Output:    t.Output,
		OutputAnn: t.OutputAnn,
		Version:   t.Version,
		Finalized: finalized,
	}
}

// TaskResult is the caller-visible outcome of a status lookup.
type TaskResult struct {
	Status    constants.TaskStatus
	Output    []byte
	OutputAnn []byte
	Version   string
}

// Result maps the view onto what a poller gets back: DONE carries the output
// and version, SCHEDULED and RUNNING carry nothing yet, ERROR is a failure
// carrying the recorded message.
func (v TaskView) Result() (TaskResult, error) {
	switch v.Status {
	case constants.TaskStatusDone:
		return TaskResult{Status: v.Status, Output: v.Output, OutputAnn: v.OutputAnn, Version: v.Version}, nil
	case constants.TaskStatusError:
		return TaskResult{Status: v.Status}, common.TaskFailed(v.Message)
	default:
		return TaskResult{Status: v.Status, Version: v.Version}, nil
	}
}

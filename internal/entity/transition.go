package entity

import (
	"time"

	"github.com/racai-ai/saroj/constants"
)

// Transition is one journaled status change of a task.
type Transition struct {
	ID      string               `json:"id"`
	TaskID  string               `json:"task_id"`
	From    constants.TaskStatus `json:"from,omitempty"`
	To      constants.TaskStatus `json:"to"`
	Message string               `json:"message,omitempty"`
	Owner   string               `json:"owner"`
	At      time.Time            `json:"at"`
}

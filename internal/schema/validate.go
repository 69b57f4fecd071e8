package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator is a compiled JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles schemaMap once; name only identifies it in error messages.
func Compile(name string, schemaMap map[string]any) (*Validator, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks that data is JSON matching the schema.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

func mustCompile(name string, schemaMap map[string]any) *Validator {
	v, err := Compile(name, schemaMap)
	if err != nil {
		panic(err)
	}
	return v
}

var (
	taskRecordOnce sync.Once
	taskRecord     *Validator

	stepReplyOnce sync.Once
	stepReply     *Validator

	submitReplyOnce sync.Once
	submitReply     *Validator

	resultReplyOnce sync.Once
	resultReply     *Validator
)

// ValidateTaskRecord validates a persisted task file.
func ValidateTaskRecord(data []byte) error {
	taskRecordOnce.Do(func() { taskRecord = mustCompile("task_record.json", TaskRecord()) })
	return taskRecord.Validate(data)
}

// ValidateStepReply validates a pipeline step reply.
func ValidateStepReply(data []byte) error {
	stepReplyOnce.Do(func() { stepReply = mustCompile("step_reply.json", StepReply()) })
	return stepReply.Validate(data)
}

// ValidateSubmitReply validates a submission endpoint reply.
func ValidateSubmitReply(data []byte) error {
	submitReplyOnce.Do(func() { submitReply = mustCompile("submit_reply.json", SubmitReply()) })
	return submitReply.Validate(data)
}

// ValidateResultReply validates a result endpoint reply.
func ValidateResultReply(data []byte) error {
	resultReplyOnce.Do(func() { resultReply = mustCompile("result_reply.json", ResultReply()) })
	return resultReply.Validate(data)
}

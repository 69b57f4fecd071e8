package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/entity"
	"github.com/racai-ai/saroj/internal/repository"
)

const (
	msgInvalidTask   = "Invalid task file"
	msgOutputMissing = "Output file was not generated"
	msgWorkDir       = "Could not prepare the working directory"
)

// TaskRepository is the part of the task store the processor drives.
type TaskRepository interface {
	ClaimNext(ctx context.Context) ([]string, error)
	Load(ctx context.Context, id string) (*entity.Task, error)
	SaveRunning(ctx context.Context, task *entity.Task) error
	Finalize(ctx context.Context, task *entity.Task) error
	WorkDir(id string) (string, error)
	CaseMapPath(caseID string) (string, error)
}

// Processor executes claimed tasks one at a time: it marks them RUNNING,
// calls every step of the definition in order and finalizes the outcome.
// Failures of a task end up in its record; only store failures are returned.
type Processor struct {
	store   TaskRepository
	def     *Definition
	caller  StepCaller
	journal repository.TransitionRecorder
	owner   string
	keep    bool
	logger  *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithJournal records every status transition under owner.
func WithJournal(j repository.TransitionRecorder, owner string) ProcessorOption {
	return func(p *Processor) {
		p.journal = j
		p.owner = owner
	}
}

// WithKeepWorkDirs leaves working directories in place after finalize.
func WithKeepWorkDirs(keep bool) ProcessorOption {
	return func(p *Processor) { p.keep = keep }
}

func NewProcessor(store TaskRepository, def *Definition, caller StepCaller, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{store: store, def: def, caller: caller, logger: logger}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RunOnce processes every task pending at the time of the call and returns
// how many were handled.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	ids, err := p.store.ClaimNext(ctx)
	if err != nil {
		p.logger.Error("processor.claim.failed", "error", err)
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := p.ProcessTask(ctx, id); err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			p.logger.Error("processor.task.failed", "task_id", id, "error", err)
			errs = append(errs, fmt.Errorf("task %s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ProcessTask runs one pending task to a terminal state.
func (p *Processor) ProcessTask(ctx context.Context, id string) error {
	ctx = common.WithTaskID(ctx, id)
	log := common.LoggerFromContext(ctx, p.logger)
	start := time.Now()

	task, err := p.store.Load(ctx, id)
	switch {
	case errors.Is(err, common.ErrCorrupt):
		log.Warn("processor.task.invalid", "error", err)
		return p.finalize(ctx, &entity.Task{ID: id, Status: constants.TaskStatusError, Message: msgInvalidTask}, "")
	case errors.Is(err, common.ErrNotFound):
		log.Info("processor.task.vanished")
		return nil
	case err != nil:
		return err
	}
	if task.CaseID == "" || task.DocID == "" {
		log.Warn("processor.task.invalid", "reason", "missing caseId or docId")
		task.Status = constants.TaskStatusError
		task.Message = msgInvalidTask
		return p.finalize(ctx, task, "")
	}
	if task.Status.IsTerminal() {
		// Terminal but never moved out of the pending area.
		log.Info("processor.task.already_terminal", "status", task.Status)
		return p.store.Finalize(ctx, task)
	}

	from := task.Status
	if from == constants.TaskStatusRunning {
		log.Warn("processor.task.resumed", "reason", "found RUNNING after restart")
	}
	task.Status = constants.TaskStatusRunning
	task.Version = p.def.Version
	task.Message = ""
	if err := p.store.SaveRunning(ctx, task); err != nil {
		return err
	}
	p.record(ctx, id, from, constants.TaskStatusRunning, "")
	log.Info("processor.task.running", "case_id", task.CaseID, "doc_id", task.DocID, "version", task.Version)

	workDir, err := p.prepareWorkDir(id, task.Document)
	if err != nil {
		log.Error("processor.workdir.failed", "error", err)
		task.Status = constants.TaskStatusError
		task.Message = msgWorkDir
		return p.finalize(ctx, task, constants.TaskStatusRunning)
	}
	if !p.keep {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				log.Warn("processor.workdir.cleanup_failed", "error", err)
			}
		}()
	}

	caseMap, err := p.store.CaseMapPath(task.CaseID)
	if err != nil {
		log.Warn("processor.task.invalid", "reason", "case id not usable as file name", "error", err)
		task.Status = constants.TaskStatusError
		task.Message = msgInvalidTask
		return p.finalize(ctx, task, constants.TaskStatusRunning)
	}
	pctx := NewContext(workDir, task.CaseID, task.DocID, caseMap)

	if err := p.runSteps(ctx, log, pctx); err != nil {
		if ctx.Err() != nil {
			// Shutting down: the RUNNING record is resumed on the next start.
			return ctx.Err()
		}
		task.Status = constants.TaskStatusError
		task.Message = common.MessageOf(err)
		log.Warn("processor.task.error", "message", task.Message, "elapsed_ms", time.Since(start).Milliseconds())
		return p.finalize(ctx, task, constants.TaskStatusRunning)
	}

	if err := p.collectOutput(pctx, task); err != nil {
		task.Status = constants.TaskStatusError
		task.Message = common.MessageOf(err)
		log.Warn("processor.task.error", "message", task.Message)
		return p.finalize(ctx, task, constants.TaskStatusRunning)
	}

	task.Status = constants.TaskStatusDone
	log.Info("processor.task.done", "bytes", len(task.Output), "annotated", len(task.OutputAnn) > 0, "elapsed_ms", time.Since(start).Milliseconds())
	return p.finalize(ctx, task, constants.TaskStatusRunning)
}

// runSteps calls every step in order and stops at the first failure.
func (p *Processor) runSteps(ctx context.Context, log *slog.Logger, pctx *Context) error {
	for i, step := range p.def.Steps {
		args := pctx.Args(step)
		endpoint := p.def.Endpoint(step)
		stepStart := time.Now()
		if _, err := p.caller.Call(ctx, step, endpoint, args); err != nil {
			log.Warn("processor.step.failed",
				"step", i+1,
				"name", step.Name,
				"port", step.Port,
				"error", err,
				"elapsed_ms", time.Since(stepStart).Milliseconds(),
			)
			return err
		}
		log.Info("processor.step.ok", "step", i+1, "name", step.Name, "port", step.Port, "elapsed_ms", time.Since(stepStart).Milliseconds())
	}
	return nil
}

// collectOutput reads the final document and, when a step produced one, the
// annotation artifact.
func (p *Processor) collectOutput(pctx *Context, task *entity.Task) error {
	outPath, _ := pctx.Lookup(constants.VarOutput)
	fi, err := os.Stat(outPath)
	if err != nil || !fi.Mode().IsRegular() {
		return common.OutputMissingError(msgOutputMissing)
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		return common.OutputMissingError(msgOutputMissing)
	}
	task.Output = out

	if annPath, ok := pctx.Lookup(constants.VarOutputAnn); ok {
		if ann, err := os.ReadFile(annPath); err == nil {
			task.OutputAnn = ann
		} else {
			p.logger.Warn("processor.outputann.missing", "task_id", task.ID, "path", annPath, "error", err)
		}
	}
	return nil
}

func (p *Processor) prepareWorkDir(id string, document []byte) (string, error) {
	workDir, err := p.store.WorkDir(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", err
	}
	input := NewContext(workDir, "", "", "")
	docx, _ := input.Lookup(constants.VarDocx)
	if err := os.WriteFile(docx, document, 0o644); err != nil {
		return "", err
	}
	// stale output from an interrupted run must not count as produced
	output, _ := input.Lookup(constants.VarOutput)
	if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return workDir, nil
}

func (p *Processor) finalize(ctx context.Context, task *entity.Task, from constants.TaskStatus) error {
	if err := p.store.Finalize(ctx, task); err != nil {
		return err
	}
	p.record(ctx, task.ID, from, task.Status, task.Message)
	return nil
}

func (p *Processor) record(ctx context.Context, id string, from, to constants.TaskStatus, message string) {
	if p.journal == nil {
		return
	}
	if _, err := p.journal.Record(ctx, id, from, to, message, p.owner); err != nil {
		p.logger.Warn("processor.journal.failed", "task_id", id, "from", from, "to", to, "error", err)
	}
}

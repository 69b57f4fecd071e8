package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/entity"
	"github.com/racai-ai/saroj/internal/schema"
)

// maxAllocAttempts bounds retries when a freshly generated id already exists.
const maxAllocAttempts = 3

// TaskStore persists task records as JSON files under
//
//	<root>/new/<id>   pending (SCHEDULED, RUNNING)
//	<root>/done/<id>  finalized (DONE, ERROR)
//
// A non-empty record in done/ is authoritative and never retracted.
type TaskStore struct {
	root       string
	pendingDir string
	doneDir    string
	runDir     string
	mapDir     string
	logger     *slog.Logger

	write  writeFunc
	create writeFunc
	newID  func() string
	now    func() time.Time
}

func NewTaskStore(root string, logger *slog.Logger) (*TaskStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	s := &TaskStore{
		root:       abs,
		pendingDir: filepath.Join(abs, constants.PendingDirName),
		doneDir:    filepath.Join(abs, constants.FinalizedDirName),
		runDir:     filepath.Join(abs, constants.RunDirName),
		mapDir:     filepath.Join(abs, constants.CaseMapDirName),
		logger:     logger,
		write:      writeFileAtomicDurable,
		create:     createFileExclusive,
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if err := ensureDirs(s.pendingDir, s.doneDir, s.runDir, s.mapDir); err != nil {
		logger.Error("task store init failed", "root", abs, "error", err)
		return nil, fmt.Errorf("create storage dirs: %w", err)
	}
	return s, nil
}

// Root returns the absolute storage root.
func (s *TaskStore) Root() string { return s.root }

// PendingDir returns the directory holding SCHEDULED and RUNNING records.
func (s *TaskStore) PendingDir() string { return s.pendingDir }

// Submit creates a SCHEDULED record and returns its id.
func (s *TaskStore) Submit(ctx context.Context, caseID, docID string, document []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := s.now()
	task := &entity.Task{
		CaseID:    caseID,
		DocID:     docID,
		Document:  document,
		Status:    constants.TaskStatusScheduled,
		Message:   "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", common.CreationError("E006", "Error creating task")
	}

	for attempt := 1; attempt <= maxAllocAttempts; attempt++ {
		id := s.newID()
		path, err := containedPath(s.pendingDir, id)
		if err != nil {
			s.logger.Error("task path escapes pending dir", "task_id", id, "error", err)
			return "", common.CreationError("E005", "Error creating task")
		}
		err = s.create(path, data, 0o644)
		if err == nil {
			s.logger.Info("task submitted", "task_id", id, "case_id", caseID, "doc_id", docID, "bytes", len(document))
			return id, nil
		}
		if errors.Is(err, os.ErrExist) {
			s.logger.Warn("task id collision, retrying", "task_id", id, "attempt", attempt)
			continue
		}
		s.logger.Error("task write failed", "task_id", id, "error", err)
		return "", common.CreationError("E006", "Error creating task")
	}
	return "", common.CreationError("E004", "Error creating task")
}

// Status resolves the caller-visible state of a task. A non-empty finalized
// record wins over a lingering pending one.
func (s *TaskStore) Status(ctx context.Context, id string) (entity.TaskView, error) {
	if err := ctx.Err(); err != nil {
		return entity.TaskView{}, err
	}
	donePath, pendingPath, err := s.paths(id)
	if err != nil {
		return entity.TaskView{}, common.NotFound("E200 Invalid ID")
	}

	ok, err := nonEmptyFile(donePath)
	if err != nil {
		return entity.TaskView{}, fmt.Errorf("stat finalized record: %w", err)
	}
	if ok {
		task, err := s.read(donePath, id)
		if err != nil {
			return entity.TaskView{}, err
		}
		return task.View(true), nil
	}

	task, err := s.read(pendingPath, id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entity.TaskView{}, common.NotFound("E200 Invalid ID")
		}
		return entity.TaskView{}, err
	}
	return task.View(false), nil
}

// ClaimNext lists pending tasks that still need execution, oldest name first.
// Pending entries whose finalized record already exists are deleted without
// being returned, so restarts never execute a task twice.
func (s *TaskStore) ClaimNext(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || isTempName(name) {
			continue
		}
		donePath, pendingPath, err := s.paths(name)
		if err != nil {
			s.logger.Warn("ignoring foreign file in pending dir", "name", name)
			continue
		}
		executed, err := nonEmptyFile(donePath)
		if err != nil {
			return nil, fmt.Errorf("stat finalized record: %w", err)
		}
		if executed {
			s.logger.Info("task was already executed; removing pending entry", "task_id", name)
			if err := os.Remove(pendingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove pending entry: %w", err)
			}
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// Load reads a pending task record.
func (s *TaskStore) Load(ctx context.Context, id string) (*entity.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, pendingPath, err := s.paths(id)
	if err != nil {
		return nil, common.NotFound("E200 Invalid ID")
	}
	task, err := s.read(pendingPath, id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, common.NotFound("E200 Invalid ID")
		}
		return nil, err
	}
	return task, nil
}

// SaveRunning persists a RUNNING record in the pending area.
func (s *TaskStore) SaveRunning(ctx context.Context, task *entity.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Status != constants.TaskStatusRunning {
		return fmt.Errorf("save running: unexpected status %s", task.Status)
	}
	_, pendingPath, err := s.paths(task.ID)
	if err != nil {
		return err
	}
	task.UpdatedAt = s.now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.write(pendingPath, data, 0o644); err != nil {
		s.logger.Error("persist running task failed", "task_id", task.ID, "error", err)
		return fmt.Errorf("write pending record: %w", err)
	}
	return nil
}

// Finalize writes the terminal record into done/ in one atomic commit and
// only then drops the pending entry. If the commit fails nothing partial is
// visible and the pending record stays where it was.
func (s *TaskStore) Finalize(ctx context.Context, task *entity.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("finalize: status %s is not terminal", task.Status)
	}
	donePath, pendingPath, err := s.paths(task.ID)
	if err != nil {
		return err
	}
	task.UpdatedAt = s.now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.write(donePath, data, 0o644); err != nil {
		s.logger.Error("finalize write failed", "task_id", task.ID, "status", task.Status, "error", err)
		return fmt.Errorf("write finalized record: %w", err)
	}
	if err := os.Remove(pendingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		// The finalized record is already authoritative; ClaimNext cleans up.
		s.logger.Warn("remove pending entry failed", "task_id", task.ID, "error", err)
	}
	s.logger.Info("task finalized", "task_id", task.ID, "status", task.Status)
	return nil
}

// ListFinalized returns every finalized record, sorted by id.
func (s *TaskStore) ListFinalized(ctx context.Context) ([]*entity.Task, error) {
	entries, err := os.ReadDir(s.doneDir)
	if err != nil {
		return nil, fmt.Errorf("list finalized: %w", err)
	}
	out := make([]*entity.Task, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || isTempName(e.Name()) {
			continue
		}
		task, err := s.read(filepath.Join(s.doneDir, e.Name()), e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable finalized record", "task_id", e.Name(), "error", err)
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// WorkDir returns the private working directory of a task.
func (s *TaskStore) WorkDir(id string) (string, error) {
	return containedPath(s.runDir, id)
}

// CaseMapPath returns the per-case replacement map shared across documents.
func (s *TaskStore) CaseMapPath(caseID string) (string, error) {
	return containedPath(s.mapDir, caseID+constants.CaseMapExt)
}

func (s *TaskStore) paths(id string) (donePath, pendingPath string, err error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", "", fmt.Errorf("invalid task id %q", id)
	}
	if donePath, err = containedPath(s.doneDir, id); err != nil {
		return "", "", err
	}
	if pendingPath, err = containedPath(s.pendingDir, id); err != nil {
		return "", "", err
	}
	return donePath, pendingPath, nil
}

func (s *TaskStore) read(path, id string) (*entity.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateTaskRecord(data); err != nil {
		s.logger.Warn("corrupt task record", "task_id", id, "path", path, "error", err)
		return nil, common.Corrupt("E201 Invalid task content")
	}
	var task entity.Task
	if err := json.Unmarshal(data, &task); err != nil {
		s.logger.Warn("corrupt task record", "task_id", id, "path", path, "error", err)
		return nil, common.Corrupt("E201 Invalid task content")
	}
	task.ID = id
	return &task, nil
}

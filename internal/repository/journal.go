package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/oklog/ulid/v2"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/entity"
)

const transitionsTable = "task_transitions"

// TransitionRecorder is what the orchestrator needs from the journal.
type TransitionRecorder interface {
	Record(ctx context.Context, taskID string, from, to constants.TaskStatus, message, owner string) (entity.Transition, error)
}

// Journal is an append-only log of task status transitions plus the
// single-writer lease table, backed by SQLite or Postgres.
type Journal struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewJournal(db *sql.DB, dialectName string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		db:      db,
		dialect: dialectName,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenJournal opens the database behind dsn and wraps it in a Journal.
func OpenJournal(ctx context.Context, dsn string, logger *slog.Logger) (*Journal, error) {
	db, dialectName, err := Open(ctx, Config{DSN: dsn}, logger)
	if err != nil {
		return nil, err
	}
	return NewJournal(db, dialectName, logger), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// DB exposes the handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Record appends a transition after checking it moves the task forward from
// the last journaled status. An empty from means "whatever was journaled last".
//
// The creation record (empty from, to SCHEDULED) is accepted once per task in
// any order: the worker may journal SCHEDULED -> RUNNING before the submitter
// gets to it.
func (j *Journal) Record(ctx context.Context, taskID string, from, to constants.TaskStatus, message, owner string) (entity.Transition, error) {
	if from == "" && to == constants.TaskStatusScheduled {
		exists, err := j.hasCreation(ctx, taskID)
		if err != nil {
			return entity.Transition{}, err
		}
		if exists {
			return entity.Transition{}, fmt.Errorf("journal: task %s is already scheduled", taskID)
		}
		return j.insert(ctx, taskID, "", to, message, owner)
	}

	last, ok, err := j.lastStatus(ctx, taskID)
	if err != nil {
		return entity.Transition{}, err
	}
	if from == "" && ok {
		from = last
	}
	if ok && last != from {
		return entity.Transition{}, fmt.Errorf("journal: task %s is %s, not %s", taskID, last, from)
	}
	if from != "" && !constants.CanTransition(from, to) {
		return entity.Transition{}, fmt.Errorf("journal: disallowed transition for %s: %s -> %s", taskID, from, to)
	}
	return j.insert(ctx, taskID, from, to, message, owner)
}

func (j *Journal) insert(ctx context.Context, taskID string, from, to constants.TaskStatus, message, owner string) (entity.Transition, error) {
	tr := entity.Transition{
		ID:      j.newID(),
		TaskID:  taskID,
		From:    from,
		To:      to,
		Message: message,
		Owner:   owner,
		At:      j.now(),
	}
	query, args := entsql.Dialect(j.dialect).
		Insert(transitionsTable).
		Columns("id", "task_id", "from_status", "to_status", "message", "owner", "created_at").
		Values(tr.ID, tr.TaskID, string(tr.From), string(tr.To), tr.Message, tr.Owner, tr.At.UnixNano()).
		Query()
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		j.logger.Error("journal record failed", "task_id", taskID, "to", to, "error", err)
		return entity.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	j.logger.Debug("journal.transition", "task_id", taskID, "from", from, "to", to)
	return tr, nil
}

// History returns every journaled transition of a task in order.
func (j *Journal) History(ctx context.Context, taskID string) ([]entity.Transition, error) {
	query, args := entsql.Dialect(j.dialect).
		Select("id", "task_id", "from_status", "to_status", "message", "owner", "created_at").
		From(entsql.Table(transitionsTable)).
		Where(entsql.EQ("task_id", taskID)).
		OrderBy("id").
		Query()
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []entity.Transition
	for rows.Next() {
		var (
			tr       entity.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &from, &to, &tr.Message, &tr.Owner, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = constants.TaskStatus(from)
		tr.To = constants.TaskStatus(to)
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool { return isCreation(out[a]) && !isCreation(out[b]) })
	return out, nil
}

// lastStatus ignores the creation record unless it is all there is.
func (j *Journal) lastStatus(ctx context.Context, taskID string) (constants.TaskStatus, bool, error) {
	query, args := entsql.Dialect(j.dialect).
		Select("to_status").
		From(entsql.Table(transitionsTable)).
		Where(entsql.And(entsql.EQ("task_id", taskID), creationPredicate(false))).
		OrderBy(entsql.Desc("id")).
		Limit(1).
		Query()
	var status string
	err := j.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if err == sql.ErrNoRows {
		exists, err := j.hasCreation(ctx, taskID)
		if err != nil || !exists {
			return "", false, err
		}
		return constants.TaskStatusScheduled, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query last transition: %w", err)
	}
	return constants.TaskStatus(status), true, nil
}

func (j *Journal) hasCreation(ctx context.Context, taskID string) (bool, error) {
	query, args := entsql.Dialect(j.dialect).
		Select("id").
		From(entsql.Table(transitionsTable)).
		Where(entsql.And(entsql.EQ("task_id", taskID), creationPredicate(true))).
		Limit(1).
		Query()
	var id string
	err := j.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query creation record: %w", err)
	}
	return true, nil
}

func creationPredicate(want bool) *entsql.Predicate {
	p := entsql.And(entsql.EQ("from_status", ""), entsql.EQ("to_status", string(constants.TaskStatusScheduled)))
	if want {
		return p
	}
	return entsql.Not(p)
}

func isCreation(tr entity.Transition) bool {
	return tr.From == "" && tr.To == constants.TaskStatusScheduled
}

func (j *Journal) newID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(j.now()), j.entropy).String()
}

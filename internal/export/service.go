package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/annotation"
	"github.com/racai-ai/saroj/internal/entity"
)

const (
	tasksSheet    = "Tasks"
	entitiesSheet = "Entities"
)

// TaskLister yields finalized task records.
type TaskLister interface {
	ListFinalized(ctx context.Context) ([]*entity.Task, error)
}

// Service produces XLSX reports over finalized tasks.
type Service struct {
	tasks  TaskLister
	logger *slog.Logger
	now    func() time.Time
}

func NewService(tasks TaskLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tasks: tasks, logger: logger, now: time.Now}
}

// Window bounds a report by the day a task was finalized.
// If only From is set the window runs up to today (inclusive).
// If only To is set it runs from the beginning up to To (inclusive).
// Neither set means everything.
type Window struct {
	From *time.Time
	To   *time.Time
}

// ExportTasksXLSX returns a workbook with one row per finalized task on the
// Tasks sheet and one row per annotated entity on the Entities sheet.
func (s *Service) ExportTasksXLSX(ctx context.Context, w Window) ([]byte, error) {
	start := time.Now()

	from, to := s.normalize(w)
	all, err := s.tasks.ListFinalized(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*entity.Task, 0, len(all))
	for _, t := range all {
		if inWindow(t.UpdatedAt, from, to) {
			tasks = append(tasks, t)
		}
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("export.xlsx.close_failed", "error", err)
		}
	}()

	// The default sheet is renamed rather than left empty.
	if err := f.SetSheetName(f.GetSheetName(0), tasksSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(entitiesSheet); err != nil {
		return nil, err
	}
	activeIndex, _ := f.GetSheetIndex(tasksSheet)
	f.SetActiveSheet(activeIndex)

	writeRow(f, tasksSheet, 1, "Task ID", "Case ID", "Document ID", "Status", "Message", "Version", "Finalized At", "Entities")
	writeRow(f, entitiesSheet, 1, "Task ID", "Case ID", "Document ID", "Entity", "Type", "Class", "Start", "End", "Text")

	taskRow, entityRow := 2, 2
	for _, t := range tasks {
		entities := s.entitiesOf(t)
		finalized := ""
		if !t.UpdatedAt.IsZero() {
			finalized = t.UpdatedAt.UTC().Format(time.RFC3339)
		}
		writeRow(f, tasksSheet, taskRow,
			t.ID, t.CaseID, t.DocID, string(t.Status), truncate(t.Message, 140), t.Version, finalized, len(entities))
		taskRow++

		for _, e := range entities {
			class, _ := constants.CanonicalizeEntity(e.Type)
			writeRow(f, entitiesSheet, entityRow,
				t.ID, t.CaseID, t.DocID, fmt.Sprintf("T%d", e.ID), e.Type, string(class), e.Start, e.End, e.Text)
			entityRow++
		}
	}

	if entityRow > 2 {
		dv := excelize.NewDataValidation(true)
		dv.Sqref = fmt.Sprintf("F2:F%d", entityRow-1)
		if err := dv.SetDropList(constants.EntityTypeStrings()); err == nil {
			_ = f.AddDataValidation(entitiesSheet, dv)
		}
	}

	_ = f.SetColWidth(tasksSheet, "A", "A", 38)    // id
	_ = f.SetColWidth(tasksSheet, "B", "C", 18)    // case, doc
	_ = f.SetColWidth(tasksSheet, "E", "E", 60)    // message
	_ = f.SetColWidth(tasksSheet, "G", "G", 22)    // finalized
	_ = f.SetColWidth(entitiesSheet, "A", "A", 38) // id
	_ = f.SetColWidth(entitiesSheet, "I", "I", 40) // text

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"tasks", len(tasks),
		"entities", entityRow-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) entitiesOf(t *entity.Task) []annotation.Entity {
	if t.Status != constants.TaskStatusDone || len(t.OutputAnn) == 0 {
		return nil
	}
	entities, err := annotation.ParseStandoff(bytes.NewReader(t.OutputAnn))
	if err != nil {
		s.logger.Warn("export.annotation.unreadable", "task_id", t.ID, "error", err)
		return nil
	}
	return entities
}

func (s *Service) normalize(w Window) (from, to *time.Time) {
	if w.From != nil {
		f := dateOnly(*w.From)
		from = &f
	}
	if w.To != nil {
		t := dateOnly(*w.To)
		to = &t
	}
	if from != nil && to == nil {
		t := dateOnly(s.now())
		to = &t
	}
	return from, to
}

func inWindow(at time.Time, from, to *time.Time) bool {
	day := dateOnly(at)
	if from != nil && day.Before(*from) {
		return false
	}
	if to != nil && day.After(*to) {
		return false
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

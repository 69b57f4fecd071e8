package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
	"github.com/racai-ai/saroj/internal/entity"
	"github.com/racai-ai/saroj/internal/repository"
)

// maxInputBytes caps a JSON or urlencoded request body.
var maxInputBytes int64 = 128 << 20

// TaskStore is the part of the task store the API needs.
type TaskStore interface {
	Submit(ctx context.Context, caseID, docID string, document []byte) (string, error)
	Status(ctx context.Context, id string) (entity.TaskView, error)
}

// TaskService serves the submission and result endpoints.
type TaskService struct {
	store   TaskStore
	journal repository.TransitionRecorder
	owner   string
	logger  *slog.Logger
}

type ServiceOption func(*TaskService)

// WithJournal records the SCHEDULED transition of every accepted submission.
func WithJournal(j repository.TransitionRecorder, owner string) ServiceOption {
	return func(s *TaskService) {
		s.journal = j
		s.owner = owner
	}
}

func NewTaskService(store TaskStore, logger *slog.Logger, opts ...ServiceOption) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TaskService{store: store, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// inputError is a rejected request, carrying the reply message.
type inputError struct {
	status  int
	message string
}

func (e *inputError) Error() string { return e.message }

// StartAnonymization accepts {caseId, docId, document} and replies with the
// new task id.
func (s *TaskService) StartAnonymization(c *gin.Context) {
	logger := common.LoggerFromContext(c.Request.Context(), s.logger)

	raw, err := readInput(c)
	if err != nil {
		s.replyInputError(c, logger, err)
		return
	}
	var in entity.SubmitInput
	if err := decodeInput(raw, &in); err != nil {
		s.replyInputError(c, logger, err)
		return
	}
	if err := requireKeys(map[string]*string{"caseid": in.CaseID, "docid": in.DocID, "document": in.Document}, "caseid", "docid", "document"); err != nil {
		s.replyInputError(c, logger, err)
		return
	}
	doc, err := base64.StdEncoding.DecodeString(*in.Document)
	if err != nil {
		s.replyInputError(c, logger, &inputError{http.StatusBadRequest, "E002 Invalid input JSON provided"})
		return
	}

	id, err := s.store.Submit(c.Request.Context(), *in.CaseID, *in.DocID, doc)
	if err != nil {
		logger.Error("submit failed", "case_id", *in.CaseID, "doc_id", *in.DocID, "error", err)
		c.JSON(http.StatusInternalServerError, entity.SubmitReply{Status: entity.ReplyError, Message: creationMessage(err)})
		return
	}
	if s.journal != nil {
		if _, err := s.journal.Record(c.Request.Context(), id, "", constants.TaskStatusScheduled, "", s.owner); err != nil {
			logger.Warn("journal record failed", "task_id", id, "error", err)
		}
	}

	logger.Info("task accepted", "task_id", id, "case_id", *in.CaseID, "doc_id", *in.DocID)
	c.JSON(http.StatusOK, entity.SubmitReply{Status: entity.ReplyOK, ID: id})
}

// GetResult reports the state of a task and, once it is DONE, its output.
func (s *TaskService) GetResult(c *gin.Context) {
	logger := common.LoggerFromContext(c.Request.Context(), s.logger)

	raw, err := readInput(c)
	if err != nil {
		s.replyInputError(c, logger, err)
		return
	}
	var in entity.ResultInput
	if err := decodeInput(raw, &in); err != nil {
		s.replyInputError(c, logger, err)
		return
	}
	if err := requireKeys(map[string]*string{"id": in.ID}, "id"); err != nil {
		s.replyInputError(c, logger, err)
		return
	}

	view, err := s.store.Status(c.Request.Context(), *in.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, entity.ResultReply{Status: entity.ReplyError, Message: "E200 Invalid ID"})
		return
	case errors.Is(err, common.ErrCorrupt):
		logger.Warn("task content invalid", "task_id", *in.ID, "error", err)
		c.JSON(http.StatusInternalServerError, entity.ResultReply{Status: entity.ReplyError, Message: "E201 Invalid task content"})
		return
	case err != nil:
		logger.Error("status lookup failed", "task_id", *in.ID, "error", err)
		c.JSON(http.StatusInternalServerError, entity.ResultReply{Status: entity.ReplyError, Message: "E201 Invalid task content"})
		return
	}

	res, err := view.Result()
	if err != nil {
		c.JSON(http.StatusOK, entity.ResultReply{
			Status:  entity.ReplyError,
			Message: "E203 Error processing document: " + common.MessageOf(err),
		})
		return
	}
	reply := entity.ResultReply{Status: entity.ReplyOK, Result: string(res.Status), Version: res.Version}
	if res.Status == constants.TaskStatusDone {
		reply.Document = base64.StdEncoding.EncodeToString(res.Output)
		if len(res.OutputAnn) > 0 {
			reply.OutputAnn = base64.StdEncoding.EncodeToString(res.OutputAnn)
		}
	}
	c.JSON(http.StatusOK, reply)
}

func (s *TaskService) replyInputError(c *gin.Context, logger *slog.Logger, err error) {
	var in *inputError
	if !errors.As(err, &in) {
		in = &inputError{http.StatusBadRequest, "E001 No input provided"}
	}
	logger.Warn("request rejected", "path", c.FullPath(), "message", in.message)
	c.JSON(in.status, gin.H{"status": entity.ReplyError, "message": in.message})
}

// readInput returns the JSON input of a request: a JSON body as is, or the
// "input" field of the form or query string.
func readInput(c *gin.Context) ([]byte, error) {
	switch c.ContentType() {
	case gin.MIMEJSON:
		body, err := readBody(c)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, &inputError{http.StatusBadRequest, "E001 No input provided"}
		}
		return body, nil
	case gin.MIMEPOSTForm:
		// net/http stops parsing urlencoded bodies at 10 MiB, too small for
		// base64 documents.
		body, err := readBody(c)
		if err != nil {
			return nil, err
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, &inputError{http.StatusBadRequest, "E002 Invalid input JSON provided"}
		}
		if form.Has("input") {
			return []byte(form.Get("input")), nil
		}
	default:
		if v, ok := c.GetPostForm("input"); ok {
			return []byte(v), nil
		}
	}
	if v, ok := c.GetQuery("input"); ok {
		return []byte(v), nil
	}
	return nil, &inputError{http.StatusBadRequest, "E001 No input provided"}
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInputBytes+1))
	if err != nil {
		return nil, &inputError{http.StatusBadRequest, "E001 No input provided"}
	}
	if int64(len(body)) > maxInputBytes {
		return nil, &inputError{http.StatusRequestEntityTooLarge, "E007 Input too large"}
	}
	return body, nil
}

func decodeInput(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &inputError{http.StatusBadRequest, "E002 Invalid input JSON provided"}
	}
	return nil
}

func requireKeys(values map[string]*string, keys ...string) error {
	for _, k := range keys {
		if values[k] == nil {
			return &inputError{http.StatusBadRequest, fmt.Sprintf("E003 Missing key in input JSON [%s]", k)}
		}
	}
	return nil
}

// creationMessage renders store creation failures as "<code> <message>".
func creationMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) && errors.Is(err, common.ErrCreation) {
		return appErr.Code + " " + appErr.Message
	}
	return "E006 Error creating task"
}

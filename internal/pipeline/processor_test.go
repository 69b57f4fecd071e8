package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/entity"
	"github.com/racai-ai/saroj/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepServer is a fake processing step listening on its own port.
type stepServer struct {
	srv   *httptest.Server
	host  string
	port  int
	calls atomic.Int32
}

func newStepServer(t *testing.T, handle func(args map[string]string) string) *stepServer {
	t.Helper()
	s := &stepServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		var args map[string]string
		if err := json.Unmarshal([]byte(r.FormValue("input")), &args); err != nil {
			http.Error(w, "bad input", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, handle(args))
	}))
	t.Cleanup(s.srv.Close)

	u, err := url.Parse(s.srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	s.host = host
	s.port, _ = strconv.Atoi(portStr)
	return s
}

func okReply() string { return `{"status":"OK","message":""}` }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Errorf("write %s: %v", path, err)
	}
}

type fixture struct {
	store   *repository.TaskStore
	journal *repository.Journal
	proc    *Processor
}

func newFixture(t *testing.T, def *Definition, caller StepCaller, opts ...ProcessorOption) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := repository.NewTaskStore(root, quietLogger())
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	journal, err := repository.OpenJournal(context.Background(), filepath.Join(root, "journal.db"), quietLogger())
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	if caller == nil {
		caller = NewHTTPStepCaller(5*time.Second, quietLogger())
	}
	opts = append([]ProcessorOption{WithJournal(journal, "test-owner")}, opts...)
	return &fixture{
		store:   store,
		journal: journal,
		proc:    NewProcessor(store, def, caller, quietLogger(), opts...),
	}
}

func (f *fixture) submit(t *testing.T, doc string) string {
	t.Helper()
	id, err := f.store.Submit(context.Background(), "case1", "doc1", []byte(doc))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func (f *fixture) status(t *testing.T, id string) entity.TaskView {
	t.Helper()
	view, err := f.store.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return view
}

func definitionFor(servers ...*stepServer) *Definition {
	def := &Definition{Version: "2.1", Path: "/process"}
	for i, s := range servers {
		def.Host = s.host
		def.Steps = append(def.Steps, Step{
			Name: fmt.Sprintf("step%d", i+1),
			Port: s.port,
			Args: []Arg{{Key: "input", Value: constants.VarDocx}, {Key: "output", Value: constants.VarOutput}},
		})
	}
	return def
}

func TestProcessor_RunsStepsAndFinalizesDone(t *testing.T) {
	extract := newStepServer(t, func(args map[string]string) string {
		in, err := os.ReadFile(args["input"])
		if err != nil {
			return `{"status":"ERROR","message":"cannot read input"}`
		}
		writeFile(t, args["output"], strings.ToUpper(string(in)))
		return okReply()
	})
	anonymize := newStepServer(t, func(args map[string]string) string {
		in, _ := os.ReadFile(args["input"])
		writeFile(t, args["output"], strings.ReplaceAll(string(in), "ION", "XXX"))
		writeFile(t, args["ann"], "1\tION\tION\tPROPN\t0\t3\tB-PER\n")
		if args["case"] != "case1" {
			return `{"status":"ERROR","message":"case id not passed"}`
		}
		return okReply()
	})

	def := &Definition{
		Version: "2.1",
		Host:    extract.host,
		Path:    "/process",
		Steps: []Step{
			{Name: "extract", Port: extract.port, Args: []Arg{{"input", constants.VarDocx}, {"output", "TEXT"}}},
			{Name: "anonymize", Port: anonymize.port, Args: []Arg{
				{"input", "TEXT"},
				{"output", constants.VarOutput},
				{"ann", constants.VarOutputAnn},
				{"case", constants.VarCaseID},
			}},
		},
	}
	f := newFixture(t, def, nil)
	id := f.submit(t, "ion popescu")

	n, err := f.proc.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}

	view := f.status(t, id)
	if view.Status != constants.TaskStatusDone || !view.Finalized {
		t.Fatalf("expected DONE, got %+v", view)
	}
	if string(view.Output) != "XXX POPESCU" {
		t.Fatalf("output = %q", view.Output)
	}
	if !strings.Contains(string(view.OutputAnn), "B-PER") {
		t.Fatalf("outputann = %q", view.OutputAnn)
	}
	if view.Version != "2.1" {
		t.Fatalf("version = %q", view.Version)
	}

	workDir, _ := f.store.WorkDir(id)
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed after finalize")
	}
}

func TestProcessor_StepFailureShortCircuits(t *testing.T) {
	first := newStepServer(t, func(map[string]string) string { return okReply() })
	second := newStepServer(t, func(map[string]string) string {
		return `{"status":"ERROR","message":"bad input"}`
	})
	third := newStepServer(t, func(args map[string]string) string {
		writeFile(t, args["output"], "never")
		return okReply()
	})

	f := newFixture(t, definitionFor(first, second, third), nil)
	id := f.submit(t, "doc")

	if _, err := f.proc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if third.calls.Load() != 0 {
		t.Fatalf("step 3 must not be called, got %d calls", third.calls.Load())
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Fatalf("unexpected call counts %d/%d", first.calls.Load(), second.calls.Load())
	}
	view := f.status(t, id)
	if view.Status != constants.TaskStatusError {
		t.Fatalf("expected ERROR, got %s", view.Status)
	}
	want := fmt.Sprintf("Error on port %d: bad input", second.port)
	if view.Message != want {
		t.Fatalf("message = %q, want %q", view.Message, want)
	}
}

func TestProcessor_TransportAndProtocolErrors(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		closed  bool
		message string
	}{
		{name: "no answer", closed: true, message: "No answer on port %d"},
		{name: "not json", reply: "<html>oops</html>", message: "Invalid JSON on port %d"},
		{name: "missing status", reply: `{"message":"hi"}`, message: "Invalid JSON on port %d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newStepServer(t, func(map[string]string) string { return tc.reply })
			if tc.closed {
				srv.srv.Close()
			}
			f := newFixture(t, definitionFor(srv), nil)
			id := f.submit(t, "doc")
			if _, err := f.proc.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			view := f.status(t, id)
			if view.Status != constants.TaskStatusError {
				t.Fatalf("expected ERROR, got %s", view.Status)
			}
			if want := fmt.Sprintf(tc.message, srv.port); view.Message != want {
				t.Fatalf("message = %q, want %q", view.Message, want)
			}
		})
	}
}

func TestProcessor_OutputMissing(t *testing.T) {
	srv := newStepServer(t, func(map[string]string) string { return okReply() })
	f := newFixture(t, definitionFor(srv), nil)
	id := f.submit(t, "doc")

	if _, err := f.proc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	view := f.status(t, id)
	if view.Status != constants.TaskStatusError || view.Message != "Output file was not generated" {
		t.Fatalf("unexpected view %+v", view)
	}
}

// countingCaller records calls and writes the output file.
type countingCaller struct {
	calls atomic.Int32
}

func (c *countingCaller) Call(_ context.Context, _ Step, _ string, args map[string]string) (StepReply, error) {
	c.calls.Add(1)
	if out, ok := args["output"]; ok {
		if err := os.WriteFile(out, []byte("out"), 0o644); err != nil {
			return StepReply{}, err
		}
	}
	return StepReply{Status: StatusOK}, nil
}

func simpleDefinition() *Definition {
	return &Definition{
		Version: "1",
		Host:    "127.0.0.1",
		Path:    "/process",
		Steps:   []Step{{Name: "only", Port: 9, Args: []Arg{{"output", constants.VarOutput}}}},
	}
}

func TestProcessor_IdempotentDiscovery(t *testing.T) {
	caller := &countingCaller{}
	f := newFixture(t, simpleDefinition(), caller)
	id := f.submit(t, "doc")

	pendingPath := filepath.Join(f.store.PendingDir(), id)
	pending, err := os.ReadFile(pendingPath)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if _, err := f.proc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if caller.calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", caller.calls.Load())
	}

	// A crash between the finalize commit and the pending removal leaves
	// both records; the next ticks must not execute the task again.
	if err := os.WriteFile(pendingPath, pending, 0o644); err != nil {
		t.Fatalf("restore pending: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.proc.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if caller.calls.Load() != 1 {
		t.Fatalf("finalized task executed again: %d calls", caller.calls.Load())
	}
	if _, err := os.Stat(pendingPath); !os.IsNotExist(err) {
		t.Fatalf("pending entry should be removed")
	}
}

func TestProcessor_CorruptRecordFinalizedAsError(t *testing.T) {
	caller := &countingCaller{}
	f := newFixture(t, simpleDefinition(), caller)
	const id = "3f1c2f9e-8a4b-4c7d-9e1f-2a3b4c5d6e7f"
	if err := os.WriteFile(filepath.Join(f.store.PendingDir(), id), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := f.proc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if caller.calls.Load() != 0 {
		t.Fatalf("corrupt task must not run steps")
	}
	view := f.status(t, id)
	if view.Status != constants.TaskStatusError || view.Message != "Invalid task file" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestProcessor_ResumesRunningTaskAndStaysMonotonic(t *testing.T) {
	caller := &countingCaller{}
	f := newFixture(t, simpleDefinition(), caller)
	ctx := context.Background()
	id := f.submit(t, "doc")
	if _, err := f.journal.Record(ctx, id, "", constants.TaskStatusScheduled, "", "api"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Simulate a crash right after the RUNNING record was persisted.
	task, err := f.store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	task.Status = constants.TaskStatusRunning
	if err := f.store.SaveRunning(ctx, task); err != nil {
		t.Fatalf("SaveRunning: %v", err)
	}
	if _, err := f.journal.Record(ctx, id, constants.TaskStatusScheduled, constants.TaskStatusRunning, "", "crashed-owner"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, err := f.proc.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if view := f.status(t, id); view.Status != constants.TaskStatusDone {
		t.Fatalf("expected DONE, got %+v", view)
	}

	history, err := f.journal.History(ctx, id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var seen []constants.TaskStatus
	for _, tr := range history {
		if n := len(seen); n == 0 || seen[n-1] != tr.To {
			seen = append(seen, tr.To)
		}
	}
	want := []constants.TaskStatus{constants.TaskStatusScheduled, constants.TaskStatusRunning, constants.TaskStatusDone}
	if len(seen) != len(want) {
		t.Fatalf("status sequence %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status sequence %v, want %v", seen, want)
		}
	}
}

func TestProcessor_KeepWorkDirs(t *testing.T) {
	caller := &countingCaller{}
	f := newFixture(t, simpleDefinition(), caller, WithKeepWorkDirs(true))
	id := f.submit(t, "submitted bytes")
	if _, err := f.proc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	workDir, _ := f.store.WorkDir(id)
	input, err := os.ReadFile(filepath.Join(workDir, constants.InputFileName))
	if err != nil {
		t.Fatalf("input not kept: %v", err)
	}
	if string(input) != "submitted bytes" {
		t.Fatalf("input = %q", input)
	}
}

func TestProcessor_CancelledContextLeavesTaskRunning(t *testing.T) {
	block := make(chan struct{})
	srv := newStepServer(t, func(map[string]string) string {
		<-block
		return okReply()
	})
	defer close(block)

	f := newFixture(t, definitionFor(srv), nil)
	id := f.submit(t, "doc")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for srv.calls.Load() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	if _, err := f.proc.RunOnce(ctx); err == nil {
		t.Fatalf("expected context error")
	}
	view := f.status(t, id)
	if view.Status != constants.TaskStatusRunning || view.Finalized {
		t.Fatalf("interrupted task must stay RUNNING in pending, got %+v", view)
	}
}

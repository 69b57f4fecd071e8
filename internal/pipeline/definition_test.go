package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/common"
)

const sampleDefinition = `
version: "1.4"
steps:
  - name: text-extractor
    port: 8201
    args:
      - key: input
        value: DOCX
      - key: output
        value: TEXT
  - name: anonymizer
    port: 8202
    args:
      - key: input
        value: TEXT
      - key: map
        value: CASEMAP
      - key: output
        value: OUTPUT
`

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	if err := os.WriteFile(path, []byte(sampleDefinition), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition: %v", err)
	}
	if def.Version != "1.4" || len(def.Steps) != 2 {
		t.Fatalf("unexpected definition %+v", def)
	}
	if got := def.Endpoint(def.Steps[1]); got != "http://127.0.0.1:8202/process" {
		t.Fatalf("endpoint = %s", got)
	}
	args := def.Steps[1].Args
	if args[0].Key != "input" || args[1].Key != "map" || args[2].Value != "OUTPUT" {
		t.Fatalf("argument order not preserved: %+v", args)
	}
}

func TestParseDefinition_Rejects(t *testing.T) {
	cases := map[string]string{
		"no steps":      "version: \"1\"\nsteps: []\n",
		"bad port":      "version: \"1\"\nsteps:\n  - port: 70000\n    args: []\n",
		"bad variable":  "version: \"1\"\nsteps:\n  - port: 1\n    args:\n      - key: a\n        value: ../etc\n",
		"duplicate key": "version: \"1\"\nsteps:\n  - port: 1\n    args:\n      - {key: a, value: X}\n      - {key: a, value: Y}\n",
		"unknown field": "version: \"1\"\nsteps:\n  - port: 1\n    retries: 3\n",
		"no version":    "steps:\n  - port: 1\n",
	}
	for name, doc := range cases {
		if _, err := ParseDefinition([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	_, err := ParseDefinition([]byte(cases["bad port"]))
	if !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("validation errors should wrap ErrInvalidInput, got %v", err)
	}
}

func TestContext_SeedsAndAutoBinds(t *testing.T) {
	work := filepath.Join("/srv", "run", "abc")
	c := NewContext(work, "C1", "D1", "/srv/maps/C1.map")

	if v, _ := c.Lookup(constants.VarDocx); v != filepath.Join(work, constants.InputFileName) {
		t.Fatalf("DOCX = %s", v)
	}
	if v, _ := c.Lookup(constants.VarCaseID); v != "C1" {
		t.Fatalf("CASEID = %s", v)
	}
	if _, ok := c.Lookup("TEXT"); ok {
		t.Fatalf("TEXT should not be bound yet")
	}

	step := Step{Args: []Arg{{"in", constants.VarDocx}, {"out", "TEXT"}, {"map", constants.VarCaseMap}}}
	args := c.Args(step)
	if args["out"] != filepath.Join(work, "TEXT") {
		t.Fatalf("auto-bound path = %s", args["out"])
	}
	if args["map"] != "/srv/maps/C1.map" {
		t.Fatalf("map = %s", args["map"])
	}
	// the binding sticks for later steps
	if again := c.Resolve("TEXT"); again != args["out"] {
		t.Fatalf("binding changed: %s", again)
	}
	if len(c.Vars()) != 6 {
		t.Fatalf("expected 6 bindings, got %v", c.Vars())
	}
}

func TestHTTPStepCaller_SendsFormInput(t *testing.T) {
	var gotInput, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotInput = r.FormValue("input")
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	caller := NewHTTPStepCaller(time.Second, quietLogger())
	_, err := caller.Call(context.Background(), Step{Name: "s", URL: srv.URL}, srv.URL, map[string]string{"input": "/tmp/a b.docx"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !strings.HasPrefix(gotContentType, "application/x-www-form-urlencoded") {
		t.Fatalf("content type = %s", gotContentType)
	}
	if gotInput != `{"input":"/tmp/a b.docx"}` {
		t.Fatalf("input = %s", gotInput)
	}
}

func TestHTTPStepCaller_TimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	caller := NewHTTPStepCaller(50*time.Millisecond, quietLogger())
	_, err := caller.Call(context.Background(), Step{Port: 8300}, srv.URL, nil)
	if !errors.Is(err, common.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if common.MessageOf(err) != "No answer on port 8300" {
		t.Fatalf("message = %q", common.MessageOf(err))
	}
}

func TestHTTPStepCaller_BreakerOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	caller := NewHTTPStepCaller(time.Second, quietLogger(), WithBreaker(2, time.Minute))
	step := Step{Port: 8301}
	for i := 0; i < 4; i++ {
		_, err := caller.Call(context.Background(), step, srv.URL, nil)
		if !errors.Is(err, common.ErrTransport) {
			t.Fatalf("call %d: expected ErrTransport, got %v", i, err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("open breaker should stop calls, endpoint hit %d times", hits.Load())
	}
}

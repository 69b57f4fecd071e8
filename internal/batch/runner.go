package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/annotation"
	"github.com/racai-ai/saroj/internal/client"
)

const (
	filesDirName = "files"
	goldDirName  = "gold_standoff"
)

// Anonymizer is the part of the polling client the runner drives.
type Anonymizer interface {
	Submit(ctx context.Context, req client.SubmitRequest) (string, error)
	AwaitResult(ctx context.Context, id string, interval time.Duration) (client.Result, error)
}

type FileResult struct {
	Path    string
	TaskID  string
	CaseID  string
	DocID   string
	Skipped bool
	Err     string
}

type Stats struct {
	Scanned   uint32
	Skipped   uint32
	Succeeded uint32
	Failed    uint32
	Entities  uint32
}

// Runner sends every document of a corpus through the pipeline and writes
// the anonymized copy plus its annotations next to each other in a run dir.
type Runner struct {
	anon        Anonymizer
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
	requireGold bool
	exts        map[string]struct{}
}

type Option func(*Runner)

// WithPollInterval sets how often a pending task is polled.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithConcurrency bounds how many documents are in flight at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRequireGold skips documents that have no gold standoff file.
func WithRequireGold(on bool) Option {
	return func(r *Runner) { r.requireGold = on }
}

// WithExtensions replaces the default set of corpus file extensions.
func WithExtensions(exts ...string) Option {
	return func(r *Runner) {
		set := map[string]struct{}{}
		for _, e := range exts {
			if e = constants.NormalizeExt(strings.TrimSpace(e)); e != "" {
				set[e] = struct{}{}
			}
		}
		if len(set) > 0 {
			r.exts = set
		}
	}
}

func NewRunner(anon Anonymizer, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		anon:        anon,
		logger:      logger,
		interval:    time.Second,
		concurrency: 1,
		requireGold: true,
		exts:        constants.AllowedCorpusExtensions,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DeriveIDs returns the document id (file name without extension) and the
// case id (document id up to the first "_", when that is not the first
// character).
func DeriveIDs(path string) (caseID, docID string) {
	docID = filepath.Base(path)
	if i := strings.LastIndex(docID, "."); i >= 0 {
		docID = docID[:i]
	}
	caseID = docID
	if i := strings.Index(caseID, "_"); i > 0 {
		caseID = caseID[:i]
	}
	return caseID, docID
}

// RunCorpus processes <corpus>/files into <corpus>/<runName>. Per-document
// failures are recorded in the results; only setup failures and context
// cancellation are returned as errors.
func (r *Runner) RunCorpus(ctx context.Context, corpus, runName string) ([]FileResult, Stats, error) {
	var stats Stats
	if strings.TrimSpace(runName) == "" {
		return nil, stats, errors.New("run name is required")
	}
	filesDir := filepath.Join(corpus, filesDirName)
	entries, err := os.ReadDir(filesDir)
	if err != nil {
		return nil, stats, fmt.Errorf("invalid folder [%s]: %w", filesDir, err)
	}
	outDir := filepath.Join(corpus, runName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, stats, fmt.Errorf("create run dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := r.exts[constants.NormalizeExt(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	r.logger.Info("batch.corpus.start", "corpus", corpus, "run", runName, "files", len(names))

	results := make([]FileResult, len(names))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, name := range names {
		i, name := i, name
		stats.Scanned++
		in := filepath.Join(filesDir, name)
		if r.requireGold {
			gold := filepath.Join(corpus, goldDirName, constants.ChangeExt(name, "ann"))
			if _, err := os.Stat(gold); err != nil {
				r.logger.Info("batch.file.skip", "path", in, "reason", "no gold standoff")
				results[i] = FileResult{Path: in, Skipped: true}
				stats.Skipped++
				continue
			}
		}

		g.Go(func() error {
			res, n := r.runFile(gctx, in, filepath.Join(outDir, name))
			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			if res.Err != "" {
				stats.Failed++
			} else {
				stats.Succeeded++
				stats.Entities += uint32(n)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, stats, err
	}

	r.logger.Info("batch.corpus.done",
		"scanned", stats.Scanned,
		"skipped", stats.Skipped,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"entities", stats.Entities,
	)
	return results, stats, nil
}

func (r *Runner) runFile(ctx context.Context, in, out string) (FileResult, int) {
	start := time.Now()
	caseID, docID := DeriveIDs(in)
	res := FileResult{Path: in, CaseID: caseID, DocID: docID}
	logger := r.logger.With("path", in, "case_id", caseID, "doc_id", docID)

	fail := func(stage string, err error) (FileResult, int) {
		logger.Error("batch.file.failed", "stage", stage, "error", err)
		res.Err = fmt.Sprintf("%s: %v", stage, err)
		return res, 0
	}

	doc, err := os.ReadFile(in)
	if err != nil {
		return fail("read", err)
	}
	id, err := r.anon.Submit(ctx, client.SubmitRequest{CaseID: caseID, DocID: docID, Document: doc})
	if err != nil {
		return fail("submit", err)
	}
	res.TaskID = id

	result, err := r.anon.AwaitResult(ctx, id, r.interval)
	if err != nil {
		return fail("await", err)
	}
	if err := os.WriteFile(out, result.Document, 0o644); err != nil {
		return fail("write output", err)
	}

	n := 0
	if len(result.OutputAnn) > 0 {
		if n, err = writeAnnotations(doc, result.OutputAnn, out); err != nil {
			return fail("annotations", err)
		}
	}
	logger.Info("batch.file.ok", "task_id", id, "entities", n, "elapsed_ms", time.Since(start).Milliseconds())
	return res, n
}

// writeAnnotations stores the raw token annotations as .conllup and the
// entities extracted from them as .ann, both next to out.
func writeAnnotations(text, conllup []byte, out string) (int, error) {
	if err := os.WriteFile(constants.ChangeExt(out, "conllup"), conllup, 0o644); err != nil {
		return 0, err
	}
	entities, err := annotation.ExtractFromText(string(text), bytes.NewReader(conllup))
	if err != nil {
		return 0, err
	}
	f, err := os.Create(constants.ChangeExt(out, "ann"))
	if err != nil {
		return 0, err
	}
	if err := annotation.WriteStandoff(f, entities); err != nil {
		_ = f.Close()
		return 0, err
	}
	return len(entities), f.Close()
}

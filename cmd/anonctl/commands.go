package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/racai-ai/saroj/constants"
	"github.com/racai-ai/saroj/internal/annotation"
	"github.com/racai-ai/saroj/internal/batch"
	"github.com/racai-ai/saroj/internal/client"
	"github.com/racai-ai/saroj/internal/export"
	repo "github.com/racai-ai/saroj/internal/repository"
)

func newSubmitCommand(a *app) *cobra.Command {
	var caseID, docID string

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a document and print the task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			derivedCase, derivedDoc := batch.DeriveIDs(args[0])
			if caseID == "" {
				caseID = derivedCase
			}
			if docID == "" {
				docID = derivedDoc
			}
			id, err := a.client().Submit(cmd.Context(), client.SubmitRequest{CaseID: caseID, DocID: docID, Document: doc})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "case id (derived from the file name when empty)")
	cmd.Flags().StringVar(&docID, "doc", "", "document id (derived from the file name when empty)")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the current status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.Status, res.Version)
			return nil
		},
	}
}

func newWaitCommand(a *app) *cobra.Command {
	var (
		out      string
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for a task to finish and save its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := a.client().AwaitResult(ctx, args[0], interval)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(res.Document)
				return err
			}
			if err := os.WriteFile(out, res.Document, 0o644); err != nil {
				return err
			}
			if len(res.OutputAnn) > 0 {
				if err := os.WriteFile(constants.ChangeExt(out, "conllup"), res.OutputAnn, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "saved %s (version %s)\n", out, res.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (stdout when empty)")
	cmd.Flags().DurationVar(&interval, "interval", a.cfg.Client.PollInterval, "poll interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func newExtractCommand(a *app) *cobra.Command {
	var textPath, conllupPath, out string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract standoff entities from a text and its CoNLL-U Plus annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(textPath)
			if err != nil {
				return err
			}
			conllup, err := os.ReadFile(conllupPath)
			if err != nil {
				return err
			}
			entities, err := annotation.ExtractFromText(string(text), bytes.NewReader(conllup))
			if err != nil {
				return fmt.Errorf("%s: %w", conllupPath, err)
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			a.logger.Info("entities extracted", "count", len(entities))
			return annotation.WriteStandoff(w, entities)
		},
	}
	cmd.Flags().StringVar(&textPath, "text", "", "original text file (required)")
	cmd.Flags().StringVar(&conllupPath, "conllup", "", "CoNLL-U Plus annotations (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "standoff output file (stdout when empty)")
	_ = cmd.MarkFlagRequired("text")
	_ = cmd.MarkFlagRequired("conllup")
	return cmd
}

func newBatchCommand(a *app) *cobra.Command {
	var (
		concurrency int
		noGold      bool
		exts        []string
	)

	cmd := &cobra.Command{
		Use:   "batch <corpus> <run>",
		Short: "Run every document of <corpus>/files through the service into <corpus>/<run>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []batch.Option{
				batch.WithPollInterval(a.cfg.Client.PollInterval),
				batch.WithConcurrency(concurrency),
				batch.WithRequireGold(!noGold),
			}
			if len(exts) > 0 {
				opts = append(opts, batch.WithExtensions(exts...))
			}
			runner := batch.NewRunner(a.client(), a.logger, opts...)

			fmt.Fprintf(cmd.OutOrStdout(), "CORPUS=%s\nRUN=%s\n\n", args[0], args[1])
			results, stats, err := runner.RunCorpus(cmd.Context(), args[0], args[1])
			for _, r := range results {
				switch {
				case r.Skipped:
					fmt.Fprintf(cmd.OutOrStdout(), "SKIP: %s\n", r.Path)
				case r.Err != "":
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL: %s: %s\n", r.Path, r.Err)
				case r.TaskID != "":
					fmt.Fprintf(cmd.OutOrStdout(), "OK:   %s (%s)\n", r.Path, r.TaskID)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nscanned=%d skipped=%d succeeded=%d failed=%d entities=%d\n",
				stats.Scanned, stats.Skipped, stats.Succeeded, stats.Failed, stats.Entities)
			return err
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 1, "documents in flight at once")
	cmd.Flags().BoolVar(&noGold, "no-gold", false, "process documents without a gold standoff file")
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "corpus file extensions (default txt,docx)")
	return cmd
}

func newExportCommand(a *app) *cobra.Command {
	var root, out, fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an XLSX report of finalized tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var w export.Window
			if fromStr != "" {
				t, err := time.Parse("2006-01-02", fromStr)
				if err != nil {
					return fmt.Errorf("invalid --from date format, use YYYY-MM-DD: %w", err)
				}
				w.From = &t
			}
			if toStr != "" {
				t, err := time.Parse("2006-01-02", toStr)
				if err != nil {
					return fmt.Errorf("invalid --to date format, use YYYY-MM-DD: %w", err)
				}
				w.To = &t
			}
			if out == "" {
				out = filepath.Join(filepath.Dir(root), "tasks.xlsx")
			}

			store, err := repo.NewTaskStore(root, a.logger)
			if err != nil {
				return err
			}
			data, err := export.NewService(store, a.logger).ExportTasksXLSX(cmd.Context(), w)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", a.cfg.Queue.Root, "task storage root")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output XLSX path (defaults next to the storage root)")
	cmd.Flags().StringVar(&fromStr, "from", "", "from date YYYY-MM-DD")
	cmd.Flags().StringVar(&toStr, "to", "", "to date YYYY-MM-DD")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Print the journaled status transitions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := repo.OpenJournal(cmd.Context(), dsn, a.logger)
			if err != nil {
				return err
			}
			defer j.Close()

			history, err := j.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(history)
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", a.cfg.Journal.DSN, "journal database (SQLite path or postgres:// URL)")
	return cmd
}

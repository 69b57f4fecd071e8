package server

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	repo "github.com/racai-ai/saroj/internal/repository"
)

// ConnectJournal opens the transition journal behind dsn.
func ConnectJournal(ctx context.Context, dsn string, logger *slog.Logger) (*repo.Journal, error) {
	logger.Info("connecting to journal", "dsn", redactDSN(dsn))
	j, err := repo.OpenJournal(ctx, dsn, logger)
	if err != nil {
		logger.Error("failed to connect to journal", "error", err)
		return nil, err
	}
	logger.Info("successfully connected to journal")
	return j, nil
}

// PingJournal checks the journal database is responsive.
func PingJournal(ctx context.Context, j *repo.Journal, logger *slog.Logger, timeout time.Duration) error {
	if err := repo.HealthCheck(ctx, j.DB(), timeout, logger); err != nil {
		logger.Error("journal ping failed", "error", err)
		return err
	}
	logger.Debug("journal ping successful")
	return nil
}

// CloseJournal closes the journal gracefully.
func CloseJournal(j *repo.Journal, logger *slog.Logger) {
	if j == nil {
		return
	}
	logger.Info("closing journal")
	if err := j.Close(); err != nil {
		logger.Error("failed to close journal", "error", err)
	}
}

// redactDSN hides the password of a postgres URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

package database

import (
	"context"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
	"github.com/coldtrail/taskboard/pkg/shared/logging"
)

// Connect validates config and opens a pooled *sqlx.DB against Postgres via
// the pgx stdlib driver. It pings once to fail fast on unreachable hosts.
func Connect(config *Config, logger *zap.Logger) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, apperrors.FailedToWithDetails("connect", "database", config.Host, apperrors.Wrapf(err, "invalid database configuration"))
	}

	db, err := sqlx.Connect("pgx", config.ConnectionString())
	if err != nil {
		return nil, apperrors.DatabaseError("open connection", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.DatabaseError("ping", err)
	}

	logger.Info("connected to database", logging.DatabaseFields("connect", config.Database).ToZap()...)

	return db, nil
}

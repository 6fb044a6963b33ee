package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"feedrelay/migrations"
)

const pqUniqueViolation = "23505"

// Postgres implements Storage backed by a PostgreSQL server.
type Postgres struct {
	sqlStore
}

// NewPostgres connects to the database at dsn and runs pending migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(db, migrations.Postgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{sqlStore{db: db, numbered: true, isUniqueViolation: pgUniqueViolation}}, nil
}

func pgUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == pqUniqueViolation
}

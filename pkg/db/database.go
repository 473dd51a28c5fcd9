// Package db implements the relational persistence layer on PostgreSQL.
// Entity models live in pkg/api; this package owns connections, schema
// setup and one repository per entity. Repositories translate driver
// errors into the results taxonomy so callers never inspect SQLSTATEs.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/computor/course-tools/pkg/results"
)

// Connect opens a PostgreSQL connection pool for the given DSN and
// verifies it with a ping.
func Connect(ctx context.Context, dsn, applicationName string) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithApplicationName(applicationName),
	))
	database := bun.NewDB(sqldb, pgdialect.New())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return database, nil
}

// Database bundles one repository per entity over a shared connection.
type Database struct {
	DB *bun.DB

	Organizations       *Organizations
	CourseFamilies      *CourseFamilies
	Courses             *Courses
	CourseContents      *CourseContents
	Deployments         *Deployments
	History             *History
	ExampleRepositories *ExampleRepositories
	Examples            *Examples
	Versions            *Versions
	Dependencies        *Dependencies
}

// New wires the repositories over db.
func New(db *bun.DB) *Database {
	return &Database{
		DB:                  db,
		Organizations:       &Organizations{db: db},
		CourseFamilies:      &CourseFamilies{db: db},
		Courses:             &Courses{db: db},
		CourseContents:      &CourseContents{db: db},
		Deployments:         &Deployments{db: db},
		History:             &History{db: db},
		ExampleRepositories: &ExampleRepositories{db: db},
		Examples:            &Examples{db: db},
		Versions:            &Versions{db: db},
		Dependencies:        &Dependencies{db: db},
	}
}

// wrapError classifies driver errors into the results taxonomy. Unique
// violations surface as Conflict, other constraint violations as
// Integrity, missing rows as NotFound.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return results.ForReason(results.ReasonNotFound).ForError(err)
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if pgErr.Field('C') == "23505" {
			return results.ForReason(results.ReasonConflict).ForError(err)
		}
		if pgErr.IntegrityViolation() {
			return results.ForReason(results.ReasonIntegrity).ForError(err)
		}
	}
	return err
}

package steps

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

// DatabaseLibrary provides SQL setup and assertion steps. The connection
// opens lazily on first use so pure-browser runs never touch the database.
type DatabaseLibrary struct {
	cfg config.Database
	db  *sql.DB
}

func NewDatabaseLibrary(cfg config.Database) *DatabaseLibrary {
	return &DatabaseLibrary{cfg: cfg}
}

func (d *DatabaseLibrary) Name() string { return "steps/database" }

func (d *DatabaseLibrary) Register(r *stepdef.Registry) error {
	return registerCategory(r, d.Name(), d.Category())
}

func (d *DatabaseLibrary) conn(ctx context.Context) (*sql.DB, error) {
	if d.db != nil {
		return d.db, nil
	}
	if d.cfg.DSN == "" {
		return nil, fmt.Errorf("database steps used but no dsn configured")
	}
	db, err := sql.Open(d.cfg.Driver, d.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}
	d.db = db
	return db, nil
}

// Close releases the pool if one was opened.
func (d *DatabaseLibrary) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DatabaseLibrary) Category() Category {
	return Category{
		Name:        "Database",
		Description: "SQL setup and assertions against the test database",
		Steps: []Def{
			{
				Pattern:     "I execute query {string}",
				Description: "Execute a SQL statement",
				Example:     `Given I execute query "INSERT INTO users (name) VALUES ('pomelo')"`,
				Handler:     d.execQuery,
			},
			{
				Pattern:     "the query {string} should return {int} rows",
				Description: "Assert the row count of a SQL query",
				Example:     `Then the query "SELECT * FROM users" should return 1 rows`,
				Handler:     d.assertRowCount,
			},
		},
	}
}

func (d *DatabaseLibrary) execQuery(ctx context.Context, args ...any) error {
	query, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	db, err := d.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("executing query: %w", err)
	}
	return nil
}

func (d *DatabaseLibrary) assertRowCount(ctx context.Context, args ...any) error {
	query, err := stringArg(args, 0)
	if err != nil {
		return err
	}
	want, err := intArg(args, 1)
	if err != nil {
		return err
	}

	db, err := d.conn(ctx)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if count != want {
		return fmt.Errorf("expected %d rows, got %d", want, count)
	}
	return nil
}

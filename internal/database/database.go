package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"iam-advisor/internal/logger"
)

// DriverName is the sqlite3 driver with a REGEXP function attached.
const DriverName = "sqlite3_advisor"

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = otel.Tracer("iam-advisor/internal/database")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "database."+name)
}

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", matchRegexp, true)
		},
	})
}

const maxCachedPatterns = 64

// patternCache holds compiled REGEXP patterns so a query compiles its
// pattern once rather than once per row.
type patternCache struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

func (c *patternCache) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if c.patterns == nil || len(c.patterns) >= maxCachedPatterns {
		c.patterns = make(map[string]*regexp.Regexp)
	}
	c.patterns[pattern] = re
	return re, nil
}

var patterns patternCache

// matchRegexp backs `value REGEXP pattern`; sqlite passes the pattern first.
func matchRegexp(pattern, value string) (bool, error) {
	re, err := patterns.compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}

// DB wraps the SQL database with helper methods
type DB struct {
	*sql.DB

	stbl             sq.StatementBuilderType
	logger           logger.Logger
	registerer       prometheus.Registerer
	dbStatsCollector prometheus.Collector
	connectTimeout   time.Duration
}

type Option func(*DB)

func WithLogger(l logger.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// WithMetrics exports connection pool statistics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(db *DB) {
		db.registerer = reg
	}
}

// WithConnectTimeout bounds how long New retries the first ping.
func WithConnectTimeout(d time.Duration) Option {
	return func(db *DB) {
		db.connectTimeout = d
	}
}

// PrepareDSN adds the busy timeout, WAL journal, immediate transactions and
// foreign keys to uri unless it already sets them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	if !query.Has("_busy_timeout") && !query.Has("_timeout") {
		query.Set("_busy_timeout", "5000")
	}
	if !query.Has("_journal_mode") && !query.Has("_journal") {
		query.Set("_journal_mode", "WAL")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}
	if !query.Has("_foreign_keys") && !query.Has("_fk") {
		query.Set("_foreign_keys", "1")
	}

	return uri + "?" + query.Encode(), nil
}

// New creates a new database connection
func New(dataSourceName string, opts ...Option) (*DB, error) {
	uri, err := PrepareDSN(dataSourceName)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(DriverName, uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	db := &DB{
		DB:             sqlDB,
		stbl:           sq.StatementBuilder.RunWith(sqlDB),
		logger:         logger.NewNoopLogger(),
		connectTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(db)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = db.connectTimeout
	if err := backoff.Retry(func() error {
		return sqlDB.Ping()
	}, policy); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if db.registerer != nil {
		collector := collectors.NewDBStatsCollector(sqlDB, "advisor")
		if err := db.registerer.Register(collector); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
		db.dbStatsCollector = collector
	}

	return db, nil
}

// Close releases the connection pool and unregisters the stats collector.
func (db *DB) Close() error {
	if db.dbStatsCollector != nil {
		db.registerer.Unregister(db.dbStatsCollector)
	}
	return db.DB.Close()
}

func (db *DB) goose() (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, migrationsDir)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectSQLite3, db.DB, fsys,
		goose.WithVerbose(false),
		goose.WithLogger(db.gooseLogger()),
	)
}

func (db *DB) gooseLogger() goose.Logger {
	if l, ok := db.logger.(goose.Logger); ok {
		return l
	}
	return goose.NopLogger()
}

// Migrate applies every migration, or moves the schema to version when it is
// not zero.
func (db *DB) Migrate(ctx context.Context, version int64) error {
	provider, err := db.goose()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	current, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("get db version: %w", err)
	}
	db.logger.Info(fmt.Sprintf("sqlite current version %d", current))

	switch {
	case version == 0:
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	case version < current:
		if _, err := provider.DownTo(ctx, version); err != nil {
			return fmt.Errorf("run migrations down to %d: %w", version, err)
		}
	case version > current:
		if _, err := provider.UpTo(ctx, version); err != nil {
			return fmt.Errorf("run migrations up to %d: %w", version, err)
		}
	default:
		db.logger.Info("sqlite nothing to do")
		return nil
	}

	db.logger.Info("sqlite migration done")
	return nil
}

// Version returns the current schema version.
func (db *DB) Version(ctx context.Context) (int64, error) {
	provider, err := db.goose()
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

// DropAll rolls back every migration, removing all tables and their data.
func (db *DB) DropAll(ctx context.Context) error {
	provider, err := db.goose()
	if err != nil {
		return err
	}
	if _, err := provider.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isNoRows reports whether err is the "no rows" error of a single row scan.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

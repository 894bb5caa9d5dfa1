// Package sql runs a user-supplied query over a database connection and
// streams the result set. PostgreSQL (pgx), MySQL, SQLite and Snowflake are
// supported.
package sql

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/countyops/assessorsync/pkg/connector/base"
	"github.com/countyops/assessorsync/pkg/connector/core"
	"github.com/countyops/assessorsync/pkg/connector/registry"
	"github.com/countyops/assessorsync/pkg/errors"
	"github.com/countyops/assessorsync/pkg/logger"
)

// Driver names as registered with database/sql.
const (
	DriverPostgres  = "pgx"
	DriverMySQL     = "mysql"
	DriverSQLite    = "sqlite"
	DriverSnowflake = "snowflake"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func init() {
	_ = registry.RegisterSource(core.FormatSQL, NewSource, &registry.AdapterInfo{
		Description: "SQL query over PostgreSQL, MySQL, SQLite or Snowflake",
		Extensions:  []string{".db", ".sqlite", ".sqlite3"},
		Options:     []string{core.OptDriver, core.OptQuery, core.OptTable, core.OptWatermarkPushdown},
	})
}

// DriverFor resolves the driver from the driver option, or from the shape
// of the DSN.
func DriverFor(opt, dsn string) (string, error) {
	switch strings.ToLower(opt) {
	case "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "mysql", "mariadb":
		return DriverMySQL, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "snowflake":
		return DriverSnowflake, nil
	case "":
	default:
		return "", errors.Newf(errors.KindConfig, "unknown SQL driver %q", opt)
	}

	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DriverPostgres, nil
	case strings.Contains(lower, "@tcp("), strings.Contains(lower, "@unix("):
		return DriverMySQL, nil
	case strings.Contains(lower, ".snowflakecomputing.com"):
		return DriverSnowflake, nil
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		return DriverSQLite, nil
	}
	return "", errors.New(errors.KindConfig, "cannot infer SQL driver from DSN; set the driver option")
}

// WithCredentials folds user and password credentials into dsn.
func WithCredentials(driver, dsn string, creds map[string]string) (string, error) {
	user, password := creds["user"], creds["password"]
	if user == "" && password == "" {
		return dsn, nil
	}

	switch driver {
	case DriverPostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if user == "" && u.User != nil {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, password)
			return u.String(), nil
		}
		return fmt.Sprintf("%s user=%s password=%s", dsn, user, password), nil
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", errors.Wrap(err, errors.KindConfig, "invalid MySQL DSN")
		}
		if user != "" {
			cfg.User = user
		}
		cfg.Passwd = password
		return cfg.FormatDSN(), nil
	case DriverSnowflake:
		cfg, err := gosnowflake.ParseDSN(dsn)
		if err != nil {
			return "", errors.Wrap(err, errors.KindConfig, "invalid Snowflake DSN")
		}
		if user != "" {
			cfg.User = user
		}
		cfg.Password = password
		if role := creds["role"]; role != "" {
			cfg.Role = role
		}
		out, err := gosnowflake.DSN(cfg)
		if err != nil {
			return "", errors.Wrap(err, errors.KindConfig, "invalid Snowflake config")
		}
		return out, nil
	default:
		return dsn, nil
	}
}

// ClassifyConnectError maps a driver error raised while connecting to
// AuthError or SourceUnavailable.
func ClassifyConnectError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "28P01" || pgErr.Code == "28000") {
		return errors.Wrap(err, errors.KindAuthError, "database rejected credentials")
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && (myErr.Number == 1045 || myErr.Number == 1044) {
		return errors.Wrap(err, errors.KindAuthError, "database rejected credentials")
	}
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) && (sfErr.Number == 390100 || sfErr.Number == 390144) {
		return errors.Wrap(err, errors.KindAuthError, "database rejected credentials")
	}
	return errors.Wrap(err, errors.KindSourceUnavailable, "database unreachable")
}

type reader struct {
	db      *sqlx.DB
	rows    *sqlx.Rows
	columns []string
}

// NewSource connects and starts the query.
func NewSource(ctx context.Context, desc core.Descriptor, env core.Env) (core.BatchIterator, error) {
	log := logger.OrGlobal(env.Logger).With(zap.String("component", "sql_source"))

	driver, err := DriverFor(desc.Option(core.OptDriver, ""), desc.Location)
	if err != nil {
		return nil, err
	}
	dsn, err := WithCredentials(driver, desc.Location, desc.Credentials)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ClassifyConnectError(err)
	}

	query, err := buildQuery(ctx, db, desc)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var args []interface{}
	if col := desc.Option(core.OptWatermarkPushdown, ""); col != "" && desc.Since != nil {
		if !identifier.MatchString(col) {
			_ = db.Close()
			return nil, errors.Newf(errors.KindConfig, "invalid watermark column %q", col)
		}
		query = db.Rebind(fmt.Sprintf("SELECT * FROM (%s) src WHERE %s > ? ORDER BY %s", query, col, col))
		args = append(args, desc.Since)
	}
	log.Debug("running source query", zap.String("driver", driver), zap.String("query", query))

	rows, err := db.QueryxContext(ctx, query, args...)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.KindMalformedInput, "source query failed")
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		_ = db.Close()
		return nil, errors.Wrap(err, errors.KindMalformedInput, "source query returned no columns")
	}

	r := &reader{db: db, rows: rows, columns: cols}
	return base.NewIterator(r, desc.Size(), core.Description{
		Format:   core.FormatSQL,
		Location: redact(desc.Location),
		Columns:  cols,
	}), nil
}

func buildQuery(ctx context.Context, db *sqlx.DB, desc core.Descriptor) (string, error) {
	if q := strings.TrimSpace(desc.Option(core.OptQuery, "")); q != "" {
		return strings.TrimRight(q, "; \n\t"), nil
	}
	table := desc.Option(core.OptTable, "")
	if table == "" && db.DriverName() == DriverSQLite {
		var names []string
		err := db.SelectContext(ctx, &names,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
		if err != nil {
			return "", errors.Wrap(err, errors.KindMalformedInput, "failed to list tables")
		}
		if len(names) != 1 {
			return "", errors.Newf(errors.KindConfig, "database has %d tables; set the table option", len(names))
		}
		table = names[0]
	}
	if table == "" {
		return "", errors.New(errors.KindConfig, "SQL source needs a query or table option")
	}
	if !identifier.MatchString(table) {
		return "", errors.Newf(errors.KindConfig, "invalid table name %q", table)
	}
	return "SELECT * FROM " + table, nil
}

// redact hides passwords in URL-style DSNs.
func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
	}
	return dsn
}

func (r *reader) ReadRow(ctx context.Context) (map[string]interface{}, string, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, "", errors.Wrap(err, errors.KindSourceUnavailable, "source query interrupted")
		}
		return nil, "", io.EOF
	}
	values := make(map[string]interface{}, len(r.columns))
	if err := r.rows.MapScan(values); err != nil {
		return map[string]interface{}{}, err.Error(), nil
	}
	for k, v := range values {
		if b, ok := v.([]byte); ok {
			values[k] = string(b)
		}
	}
	return values, "", nil
}

func (r *reader) Columns() []string {
	return r.columns
}

func (r *reader) Close() error {
	rowsErr := r.rows.Close()
	if err := r.db.Close(); err != nil {
		return err
	}
	return rowsErr
}

package pgconn

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/blnkfinance/payouts/config"
	_ "github.com/lib/pq" // Import the postgres driver
	"github.com/sirupsen/logrus"
)

// Option adjusts the connection string before it is opened.
type Option func(params map[string]string)

// ReadOnly opens every session with default_transaction_read_only, so a
// reader can never post into a database it does not own.
func ReadOnly() Option {
	return func(params map[string]string) {
		params["options"] = "-c default_transaction_read_only=on"
	}
}

// ApplicationName tags sessions so they can be told apart in pg_stat_activity.
func ApplicationName(name string) Option {
	return func(params map[string]string) {
		params["application_name"] = name
	}
}

// ConnectDB opens a pooled postgres connection and verifies it with a ping.
func ConnectDB(ds config.DataSourceConfig, opts ...Option) (*sql.DB, error) {
	if ds.Dns == "" {
		return nil, errors.New("data source DNS is required")
	}

	dsn, err := withParams(ds.Dns, opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(ds.MaxOpenConns)
	db.SetMaxIdleConns(ds.MaxIdleConns)
	db.SetConnMaxLifetime(ds.ConnMaxLifetime)
	db.SetConnMaxIdleTime(ds.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		logrus.WithError(err).Error("database connection failed")
		_ = db.Close()
		return nil, err
	}

	logrus.Info("database connection established")
	return db, nil
}

// withParams applies opts to either a postgres:// URL or a key=value DSN.
func withParams(dsn string, opts []Option) (string, error) {
	if len(opts) == 0 {
		return dsn, nil
	}
	params := map[string]string{}
	for _, opt := range opts {
		opt(params)
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid data source DNS: %w", err)
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(dsn))
	for k, v := range params {
		fmt.Fprintf(&b, " %s='%s'", k, strings.ReplaceAll(v, "'", `\'`))
	}
	return b.String(), nil
}

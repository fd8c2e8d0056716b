package database

import (
	"context"
	"database/sql"
	"sync"

	"github.com/blnkfinance/payouts/config"
	pgconn "github.com/blnkfinance/payouts/internal/pg-conn"
)

var (
	instance *Datasource
	once     sync.Once
)

// Datasource is the postgres-backed payout store.
type Datasource struct {
	Conn *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx so reads and writes can
// run inside or outside a lease.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection returns the process-wide datasource, connecting on first use.
// A failed first connection is not retried.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := pgconn.ConnectDB(configuration.DataSource, pgconn.ApplicationName(configuration.ProjectName))
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, sql.ErrConnDone
	}
	return instance, nil
}

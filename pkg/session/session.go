// Package session provides administrative SQL sessions against sandbox
// instances.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

// MetadataSchema is the bookkeeping schema the cluster manager keeps in every
// member.
const MetadataSchema = "mysql_innodb_cluster_metadata"

// Session is one open connection. Statements run in order on the same
// server session, so session variables persist between calls.
type Session interface {
	RunSQL(ctx context.Context, statement string) error
	// QueryString returns the first column of the first row as text. NULL
	// is returned as the empty string.
	QueryString(ctx context.Context, query string) (string, error)
	Close() error
}

// Connector opens sessions
type Connector interface {
	Connect(ctx context.Context, ep common.Endpoint, creds common.Credentials) (Session, error)
}

// ErrNoRows is returned by QueryString when the query yields no rows
var ErrNoRows = errors.New("query returned no rows")

// MySQLConfig holds driver settings for MySQLConnector
type MySQLConfig struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultMySQLConfig returns the default driver settings
func DefaultMySQLConfig() MySQLConfig {
	return MySQLConfig{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// MySQLConnector opens sessions with the go-sql-driver/mysql driver
type MySQLConnector struct {
	config MySQLConfig
}

// NewMySQLConnector creates a connector
func NewMySQLConnector(config MySQLConfig) *MySQLConnector {
	return &MySQLConnector{config: config}
}

// Connect opens a pool limited to one connection and pins that connection
// for the lifetime of the session.
func (c *MySQLConnector) Connect(ctx context.Context, ep common.Endpoint, creds common.Credentials) (Session, error) {
	cfg := mysql.NewConfig()
	cfg.User = creds.User
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = ep.String()
	cfg.Timeout = c.config.DialTimeout
	cfg.ReadTimeout = c.config.ReadTimeout
	cfg.WriteTimeout = c.config.WriteTimeout
	cfg.AllowNativePasswords = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure connection to %s: %w", ep, err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", ep, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", ep, err)
	}

	return &mysqlSession{db: db, conn: conn, endpoint: ep}, nil
}

type mysqlSession struct {
	db       *sql.DB
	conn     *sql.Conn
	endpoint common.Endpoint
}

func (s *mysqlSession) RunSQL(ctx context.Context, statement string) error {
	if _, err := s.conn.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("%s on %s: %w", statement, s.endpoint, err)
	}
	return nil
}

func (s *mysqlSession) QueryString(ctx context.Context, query string) (string, error) {
	var value sql.NullString
	err := s.conn.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", query, s.endpoint, err)
	}
	return value.String, nil
}

func (s *mysqlSession) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	return errors.Join(connErr, dbErr)
}

// QuoteIdentifier quotes a schema or table name
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// EnsureSchemaDoesNotExist drops the schema when present
func EnsureSchemaDoesNotExist(ctx context.Context, s Session, name string) error {
	return s.RunSQL(ctx, "DROP SCHEMA IF EXISTS "+QuoteIdentifier(name))
}

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/dbsandbox/pkg/common"
)

type recordingSession struct {
	statements []string
	closed     bool
}

func (r *recordingSession) RunSQL(_ context.Context, statement string) error {
	r.statements = append(r.statements, statement)
	return nil
}

func (r *recordingSession) QueryString(context.Context, string) (string, error) {
	return "", ErrNoRows
}

func (r *recordingSession) Close() error {
	r.closed = true
	return nil
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, "`world_x`", QuoteIdentifier("world_x"))
	assert.Equal(t, "`odd``name`", QuoteIdentifier("odd`name"))
}

func TestEnsureSchemaDoesNotExist(t *testing.T) {
	s := &recordingSession{}

	err := EnsureSchemaDoesNotExist(context.Background(), s, MetadataSchema)
	require.NoError(t, err)

	assert.Equal(t, []string{"DROP SCHEMA IF EXISTS `mysql_innodb_cluster_metadata`"}, s.statements)
	assert.False(t, s.closed)
}

func TestMySQLConnector_Unreachable(t *testing.T) {
	cfg := DefaultMySQLConfig()
	connector := NewMySQLConnector(cfg)

	// Port 1 is never a MySQL server.
	sess, err := connector.Connect(context.Background(), common.Endpoint{Host: "127.0.0.1", Port: 1},
		common.Credentials{User: "root", Password: "root"})
	assert.Error(t, err)
	assert.Nil(t, sess)
}

package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), conn))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	err = Migrate(context.Background(), conn)
	assert.ErrorContains(t, err, "applying schema")
}

func TestSchemaDeclaresLockColumn(t *testing.T) {
	assert.Contains(t, Schema(), "sending_started_at TIMESTAMPTZ")
	assert.Contains(t, Schema(), "newsletter_subscribers")
}

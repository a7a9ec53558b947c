package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockOpener(t *testing.T) (opener, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, mock.ExpectationsWereMet()) })
	return func(context.Context) (*sql.DB, error) { return conn, nil }, mock
}

func execute(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchemaPrint(t *testing.T) {
	out, err := execute(t, func(context.Context) (*sql.DB, error) {
		return nil, errors.New("should not connect")
	}, "schema", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS campaigns")
}

func TestSchemaApply(t *testing.T) {
	open, mock := mockOpener(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS campaigns").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	out, err := execute(t, open, "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied")
}

func TestSQLSeedFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.sql")
	second := filepath.Join(dir, "b.sql")
	require.NoError(t, os.WriteFile(first, []byte("INSERT INTO newsletter_subscribers (email) VALUES ('a@example.com');"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("INSERT INTO campaigns (name, template_id) VALUES ('x', 'welcome');"), 0644))

	open, mock := mockOpener(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO newsletter_subscribers").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO campaigns").WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()
	mock.ExpectClose()

	out, err := execute(t, open, "sql", first, second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.sql")
	assert.Contains(t, out, "Seeded: "+first)
}

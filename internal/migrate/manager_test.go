package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_users.up.sql":   {Data: []byte("create table users (id text);")},
		"0001_users.down.sql": {Data: []byte("drop table users;")},
		"0002_extra.up.sql":   {Data: []byte("create table extra (id text);\ncreate index extra_idx on extra (id);")},
		"0002_extra.down.sql": {Data: []byte("drop table extra;")},
	}
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))

	// Only 0002 is pending; both statements of its file run in one tx.
	mock.ExpectBegin()
	mock.ExpectExec("create table extra").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index extra_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_extra.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	runner := NewRunner(db, testFS())
	require.NoError(t, runner.Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("create table if not exists schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).
			AddRow("0001_users.up.sql").AddRow("0002_extra.up.sql"))

	mock.ExpectBegin()
	mock.ExpectExec("drop table extra").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0002_extra.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	runner := NewRunner(db, testFS())
	require.NoError(t, runner.Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedAdminRefusesSecondAdmin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select exists").
		WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	runner := NewRunner(db, testFS())
	err = runner.SeedAdmin(context.Background(), "ops@example.com", "Temp-Passw0rd!")
	require.ErrorContains(t, err, "already exists")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedAdminCreatesForcedChangeAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("select exists").
		WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "admin", "ops@example.com", sqlmock.AnyArg(), "admin", "approved").
		WillReturnResult(sqlmock.NewResult(1, 1))

	runner := NewRunner(db, testFS())
	require.NoError(t, runner.SeedAdmin(context.Background(), "Ops@Example.com", "Temp-Passw0rd!"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatementsRespectsQuotes(t *testing.T) {
	stmts := splitStatements(`insert into t values ('a;b'); select 1;`)
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[0], "a;b")
}

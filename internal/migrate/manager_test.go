package migrate

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var appliedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T, migrations, seeds fstest.MapFS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	if migrations == nil {
		migrations = fstest.MapFS{}
	}
	if seeds == nil {
		seeds = fstest.MapFS{}
	}
	return NewManager(db, migrations, seeds, WithClock(func() time.Time { return appliedAt })), mock
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	migrations := fstest.MapFS{
		"0002_tasks.up.sql":   {Data: []byte("create table org_tasks (id text);")},
		"0001_orgs.up.sql":    {Data: []byte("create table organizations (id text);")},
		"0001_orgs.down.sql":  {Data: []byte("drop table organizations;")},
		"0002_tasks.down.sql": {Data: []byte("drop table org_tasks;")},
	}
	m, mock := newManager(t, migrations, nil)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_orgs.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table org_tasks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_tasks.up.sql", appliedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_tasks.up.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	migrations := fstest.MapFS{
		"0001_orgs.up.sql":   {Data: []byte("create table organizations (id text);")},
		"0001_orgs.down.sql": {Data: []byte("drop table organizations;")},
	}
	m, mock := newManager(t, migrations, nil)

	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_orgs.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table organizations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_orgs.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0001_orgs.up.sql" {
		t.Fatalf("unexpected rollback: %s", name)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	m, mock := newManager(t, nil, nil)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := m.Down(context.Background()); err == nil {
		t.Fatal("expected error when nothing is applied")
	}
}

func TestStatusListsPendingAndApplied(t *testing.T) {
	migrations := fstest.MapFS{
		"0001_orgs.up.sql":  {Data: []byte("select 1;")},
		"0002_tasks.up.sql": {Data: []byte("select 1;")},
	}
	m, mock := newManager(t, migrations, nil)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_orgs.up.sql").AddRow("0000_legacy.up.sql"))

	entries, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []Entry{
		{Name: "0001_orgs.up.sql", Applied: true},
		{Name: "0002_tasks.up.sql", Applied: false},
		{Name: "0000_legacy.up.sql", Applied: true},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %v want %v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Fatalf("entry %d: got %+v want %+v", i, entries[i], want[i])
		}
	}
}

func TestSeedSkipsExecuted(t *testing.T) {
	seeds := fstest.MapFS{
		"0001_controls.sql": {Data: []byte("insert into compliance_controls values ('a');")},
	}
	m, mock := newManager(t, nil, seeds)
	expectTables(mock)
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_controls.sql"))

	applied, err := m.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
}

func TestSplitStatements(t *testing.T) {
	sql := "-- header; ignored\ncreate table a (v text default 'x;y');\ninsert into a values ('it''s');\nselect 1"
	got := splitStatements(sql)
	if len(got) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(got), got)
	}
	if want := "create table a (v text default 'x;y');"; got[0] != want {
		t.Fatalf("first statement: got %q want %q", got[0], want)
	}
}

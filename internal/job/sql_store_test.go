package job

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"PathProof-Chain/internal/storage/sqldb"
	"PathProof-Chain/internal/storage/sqldb/sqldbtest"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "jobs.db")})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := sqldb.Migrate(ctx, db); err != nil {
		db.Close()
		t.Fatalf("migrate failed: %v", err)
	}
	store := NewSQLStore(db)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreLifecycle(t *testing.T) {
	t.Parallel()
	storeLifecycle(t, newSQLiteStore(t))
}

func TestSQLStoreEmptyPathRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newSQLiteStore(t)
	j := newJob("empty", payerA)
	j.Path = nil
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	got, err := store.Get(ctx, "empty")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Path) != 0 || got.Result != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func jobRow(status Status, attempts, maxRetries int) sqldbtest.Rows {
	return sqldbtest.Rows{
		Columns: []string{"id", "payer", "reference", "proof", "path_hex", "status", "attempts", "max_retries",
			"verdict", "digest", "max_speed", "fee_charged", "error_code", "last_error", "created_at", "updated_at"},
		Values: [][]any{{
			"job-1", payerA.Hex(), "job-1", "0x00", "0x00000101", string(status), int64(attempts), int64(maxRetries),
			"", "", int64(0), int64(0), "", "", int64(100), int64(100),
		}},
	}
}

func TestSQLStoreClaimClassifiesRejections(t *testing.T) {
	t.Parallel()

	const claim = `UPDATE validation_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`
	const get = `SELECT ` + jobColumns + ` FROM validation_jobs WHERE id = ?`

	cases := []struct {
		name string
		row  sqldbtest.Rows
		want error
	}{
		{name: "running", row: jobRow(StatusRunning, 1, 3), want: ErrJobConflict},
		{name: "completed", row: jobRow(StatusCompleted, 1, 3), want: ErrJobFinished},
		{name: "exhausted", row: jobRow(StatusPending, 3, 3), want: ErrJobExhausted},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db, _ := sqldbtest.Open(t,
				sqldbtest.Exec(claim, sqldbtest.Result{RowsAffected: 0}),
				sqldbtest.Query(get, tc.row).WithArgs("job-1"),
			)
			store := NewSQLStore(db)
			job, err := store.Claim(context.Background(), "job-1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if job == nil || job.ID != "job-1" || len(job.Path) != 4 {
				t.Fatalf("expected current job state, got %+v", job)
			}
		})
	}
}

func TestSQLStoreUnchangedRowStillCounts(t *testing.T) {
	t.Parallel()

	db, _ := sqldbtest.Open(t,
		sqldbtest.Exec("", sqldbtest.Result{RowsAffected: 0}),
		sqldbtest.Query(`SELECT COUNT(1) FROM validation_jobs WHERE id = ?`, sqldbtest.Rows{
			Columns: []string{"count"},
			Values:  [][]any{{int64(1)}},
		}).WithArgs("job-1"),
		sqldbtest.Exec("", sqldbtest.Result{RowsAffected: 0}),
		sqldbtest.Query(`SELECT COUNT(1) FROM validation_jobs WHERE id = ?`, sqldbtest.Rows{
			Columns: []string{"count"},
			Values:  [][]any{{int64(0)}},
		}).WithArgs("missing"),
	)
	store := NewSQLStore(db)
	if err := store.MarkFailed(context.Background(), "job-1", CodeJobProcessing, "boom", false); err != nil {
		t.Fatalf("expected unchanged row to succeed, got %v", err)
	}
	if err := store.MarkFailed(context.Background(), "missing", CodeJobProcessing, "boom", false); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLStoreCreateMapsDuplicateKey(t *testing.T) {
	t.Parallel()

	store := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newJob("dup", payerA)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := store.Create(ctx, newJob("dup", payerB))
	if !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

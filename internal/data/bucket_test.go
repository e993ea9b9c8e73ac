package data

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestBucketType_Truncate(t *testing.T) {
	ts := time.Date(2026, 8, 30, 14, 37, 12, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC), BucketHourly.Truncate(ts))
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), BucketDaily.Truncate(ts))
}

func TestBucketType_TruncateNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+8", 8*3600)
	ts := time.Date(2026, 8, 30, 2, 5, 0, 0, zone) // 2026-08-29 18:05 UTC

	assert.Equal(t, time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC), BucketHourly.Truncate(ts))
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), BucketDaily.Truncate(ts))
}

func TestBucketRepo_Record_Upsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewBucketRepo(db, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `load_balancer_buckets`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	bucket := BucketHourly.Truncate(time.Now())
	err := repo.Record(context.Background(), 7, "chat", "openai", BucketHourly, bucket, true, 120)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

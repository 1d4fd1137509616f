package db

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	id := uuid.New()
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordSessionStart(id, "00000001", 262144, started))

	s, err := db.Session(id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, started, s.StartedAt)
	assert.Nil(t, s.StoppedAt)

	stopped := started.Add(90 * time.Second)
	require.NoError(t, db.RecordSessionStop(id, stopped, 42, 42*262144, errors.New("read_async: native status -1")))

	s, err = db.Session(id)
	require.NoError(t, err)
	require.NotNil(t, s.StoppedAt)
	assert.Equal(t, stopped, *s.StoppedAt)
	assert.Equal(t, uint64(42), s.Buffers)
	assert.Equal(t, uint64(42*262144), s.Bytes)
	assert.Equal(t, "read_async: native status -1", s.Error)
}

func TestRecordSessionStopUnknown(t *testing.T) {
	db := newTestDB(t)
	err := db.RecordSessionStop(uuid.New(), time.Now(), 0, 0, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Session(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentSessions(t *testing.T) {
	db := newTestDB(t)
	base := time.Unix(1_700_000_000, 0)

	var ids []uuid.UUID
	for i, serial := range []string{"A", "B", "A", "A"} {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, db.RecordSessionStart(id, serial, 512, base.Add(time.Duration(i)*time.Second)))
	}

	all, err := db.RecentSessions("", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID, "newest first")

	onlyA, err := db.RecentSessions("A", 2)
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, ids[3], onlyA[0].ID)
	assert.Equal(t, ids[2], onlyA[1].ID)
}

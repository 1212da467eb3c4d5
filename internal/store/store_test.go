package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState() State {
	return State{
		KillSwitch:          true,
		BreakerTriggered:    true,
		BreakerReason:       "loss streak",
		BreakerLastTrigger:  time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC),
		BreakerTriggerCount: 2,
		Fingerprints: map[string]time.Time{
			"abc123": time.Date(2026, 2, 3, 10, 29, 0, 0, time.UTC),
		},
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, s.Save(ctx, testState()))
	loaded, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.KillSwitch)
	assert.Equal(t, "loss streak", loaded.BreakerReason)
	assert.False(t, loaded.SavedAt.IsZero())

	// Load returns a copy, not the stored pointer.
	loaded.KillSwitch = false
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, again.KillSwitch)
}

func TestRedisStore_LoadMissing(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet(stateKey).RedisNil()

	s := NewRedisStore(client, 0)
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_LoadState(t *testing.T) {
	state := testState()
	data, err := json.Marshal(state)
	require.NoError(t, err)

	client, mock := redismock.NewClientMock()
	mock.ExpectGet(stateKey).SetVal(string(data))

	s := NewRedisStore(client, 0)
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.KillSwitch)
	assert.Equal(t, 2, loaded.BreakerTriggerCount)
	assert.Contains(t, loaded.Fingerprints, "abc123")
}

func TestRedisStore_LoadCorrupt(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet(stateKey).SetVal("{not json")

	s := NewRedisStore(client, 0)
	_, err := s.Load(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_Save(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.Regexp().ExpectSet(stateKey, `.*"kill_switch":true.*`, time.Hour).SetVal("OK")

	s := NewRedisStore(client, time.Hour)
	err := s.Save(context.Background(), testState())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psicoid/billing/pkg/subscription"
	"github.com/psicoid/billing/storage/storagetest"
)

// setupTestRedis starts an in-process Redis and returns a client for it
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subscription.Storage {
		client, _ := setupTestRedis(t)
		s, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:0"}),
			config:     DefaultConfig(),
			wantPrefix: "billing:",
		},
		{
			name:       "empty key prefix uses default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:0"}),
			config:     Config{},
			wantPrefix: "billing:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:0"}),
			config:     Config{KeyPrefix: "{psicoid}:"},
			wantPrefix: "{psicoid}:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Equal(t, 3, s.config.MaxRetries)
		})
	}
}

func TestKeyLayout(t *testing.T) {
	client, mr := setupTestRedis(t)
	s, err := New(client, Config{KeyPrefix: "t:"})
	require.NoError(t, err)

	sub := storagetest.NewSubscription("user_1", "sub_1")
	require.NoError(t, s.CreateSubscription(context.Background(), sub))

	assert.True(t, mr.Exists("t:sub:"+sub.ID))
	id, err := mr.Get("t:sub:user:user_1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, id)
	id, err = mr.Get("t:sub:ext:sub_1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, id)
}

func TestUpdateDetectsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	client, mr := setupTestRedis(t)
	s, err := New(client, Config{MaxRetries: 1})
	require.NoError(t, err)

	sub := storagetest.NewSubscription("user_1", "sub_1")
	require.NoError(t, s.CreateSubscription(ctx, sub))
	_, raw, err := s.getRow(ctx, sub.ID)
	require.NoError(t, err)

	// A document that no longer matches the snapshot must not be overwritten.
	mr.Set(s.subKey(sub.ID), raw+" ")
	res, err := s.scripts["swap"].Run(ctx, client, []string{s.subKey(sub.ID)}, raw, "{}").Text()
	require.NoError(t, err)
	assert.Equal(t, resultConflict, res)
	assert.ErrorIs(t, scriptResult(res), errCASConflict)
}

func TestUnavailableRedis(t *testing.T) {
	client, mr := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	mr.Close()

	_, err = s.GetSubscriptionByUserID(context.Background(), "user_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, subscription.ErrNotFound)
}

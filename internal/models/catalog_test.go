package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay-gateway/internal/cache"
)

type fakeSource struct {
	calls int
	body  []byte
	err   error
}

func (f *fakeSource) Models(ctx context.Context) ([]byte, error) {
	f.calls++
	return f.body, f.err
}

func newMemoryStore(t *testing.T) cache.Store {
	t.Helper()
	s := cache.NewMemoryStore(0, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCatalog_FetchesOnceThenServesStore(t *testing.T) {
	src := &fakeSource{body: []byte(`{"data":[{"id":"m1"}]}`)}
	c := NewCatalog(newMemoryStore(t), src, time.Minute)

	for i := 0; i < 3; i++ {
		raw, err := c.Get(context.Background())
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":[{"id":"m1"}]}`, string(raw))
	}
	assert.Equal(t, 1, src.calls)
}

func TestCatalog_PutOverridesBackend(t *testing.T) {
	src := &fakeSource{body: []byte(`{"data":[]}`)}
	c := NewCatalog(newMemoryStore(t), src, time.Minute)

	require.NoError(t, c.Put(context.Background(), []byte(`["posted"]`)))

	raw, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `["posted"]`, string(raw))
	assert.Zero(t, src.calls)
}

func TestCatalog_PutRejectsInvalidJSON(t *testing.T) {
	c := NewCatalog(newMemoryStore(t), &fakeSource{}, time.Minute)
	assert.ErrorIs(t, c.Put(context.Background(), []byte(`{nope`)), ErrInvalidCatalog)
}

func TestCatalog_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("backend down")}
	c := NewCatalog(newMemoryStore(t), src, time.Minute)

	_, err := c.Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestCatalog_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewStore(cache.StoreConfig{Backend: "redis", Prefix: "gw"}, client)
	src := &fakeSource{body: []byte(`{"data":[{"id":"m2"}]}`)}
	c := NewCatalog(store, src, time.Minute)

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	stored, err := mr.Get("gw:" + storeKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[{"id":"m2"}]}`, stored)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestCatalog_BrokenStoreFallsBackToBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	src := &fakeSource{body: []byte(`[]`)}
	c := NewCatalog(cache.NewRedisStore(client, "gw"), src, time.Minute)

	raw, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(raw))
}

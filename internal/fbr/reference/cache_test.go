package reference

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
)

type stubFetcher struct {
	calls atomic.Int32
	fn    func(kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error)
}

func (s *stubFetcher) GetReferenceData(_ context.Context, kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error) {
	s.calls.Add(1)
	return s.fn(kind, params)
}

func provinces(pral.ReferenceKind, url.Values) ([]json.RawMessage, error) {
	return []json.RawMessage{
		json.RawMessage(`{"stateProvinceCode":7,"stateProvinceDesc":"PUNJAB"}`),
		json.RawMessage(`{"stateProvinceCode":8,"stateProvinceDesc":"SINDH"}`),
	}, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestGetServesFromCacheUntilTTL(t *testing.T) {
	mr, client := newRedis(t)
	fetcher := &stubFetcher{fn: provinces}
	cache := NewCache(client, fetcher, time.Hour, nil)
	ctx := context.Background()

	items, err := cache.Get(ctx, pral.KindProvinces, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = cache.Get(ctx, pral.KindProvinces, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.EqualValues(t, 1, fetcher.calls.Load())
	require.True(t, mr.Exists("fbr:reference:v1:provinces"))

	mr.FastForward(2 * time.Hour)
	_, err = cache.Get(ctx, pral.KindProvinces, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, fetcher.calls.Load())
}

func TestGetKeysByParams(t *testing.T) {
	mr, client := newRedis(t)
	fetcher := &stubFetcher{fn: func(_ pral.ReferenceKind, params url.Values) ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"hs":"` + params.Get("hs_code") + `"}`)}, nil
	}}
	cache := NewCache(client, fetcher, 0, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, pral.KindHSUnits, url.Values{"hs_code": {"5904.9000"}, "annexure_id": {"3"}})
	require.NoError(t, err)
	_, err = cache.Get(ctx, pral.KindHSUnits, url.Values{"hs_code": {"0101.2100"}, "annexure_id": {"3"}})
	require.NoError(t, err)
	require.EqualValues(t, 2, fetcher.calls.Load())
	require.True(t, mr.Exists("fbr:reference:v1:hs_uom:annexure_id=3&hs_code=5904.9000"))
	require.Equal(t, DefaultTTL, mr.TTL("fbr:reference:v1:hs_uom:annexure_id=3&hs_code=5904.9000"))
}

func TestBumpInvalidatesPreviousVersion(t *testing.T) {
	_, client := newRedis(t)
	fetcher := &stubFetcher{fn: provinces}
	cache := NewCache(client, fetcher, time.Hour, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, pral.KindProvinces, nil)
	require.NoError(t, err)
	ver, err := cache.Bump(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, ver)

	_, err = cache.Get(ctx, pral.KindProvinces, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, fetcher.calls.Load())
}

func TestRefreshWarmsParameterlessKinds(t *testing.T) {
	mr, client := newRedis(t)
	boom := errors.New("gateway down")
	fetcher := &stubFetcher{fn: func(kind pral.ReferenceKind, params url.Values) ([]json.RawMessage, error) {
		require.Empty(t, params)
		if kind == pral.KindItemDescCodes {
			return nil, boom
		}
		return provinces(kind, params)
	}}
	cache := NewCache(client, fetcher, time.Hour, nil)

	counts, err := cache.Refresh(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, map[pral.ReferenceKind]int{pral.KindProvinces: 2, pral.KindUnits: 2}, counts)
	require.True(t, mr.Exists("fbr:reference:v1:uom"))
	require.False(t, mr.Exists("fbr:reference:v1:itemdesccode"))
}

func TestGetFallsBackToAuthorityWhenRedisDown(t *testing.T) {
	mr, client := newRedis(t)
	fetcher := &stubFetcher{fn: provinces}
	cache := NewCache(client, fetcher, time.Hour, nil)
	mr.Close()

	items, err := cache.Get(context.Background(), pral.KindProvinces, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)

	noRedis := NewCache(nil, fetcher, time.Hour, nil)
	items, err = noRedis.Get(context.Background(), pral.KindProvinces, nil)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

package quote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refX = Ref{Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"), Symbol: "X"}

type stubSource struct {
	name  string
	q     Quote
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Quote(context.Context, Ref) (Quote, error) {
	s.calls++
	return s.q, s.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestChainUsesFirstHealthySource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := &stubSource{name: "primary", err: errors.New("down")}
	secondary := &stubSource{name: "secondary", q: Quote{Price: decimal.RequireFromString("0.05"), Timestamp: now}}
	cache := NewMemoryCache()

	var observed []string
	c := &Chain{
		Sources: []Source{primary, secondary},
		Caches:  []Cache{cache},
		Log:     quietLogger(),
		Observe: func(source string, err error) { observed = append(observed, source) },
	}

	q, err := c.Quote(context.Background(), refX)
	require.NoError(t, err)
	assert.Equal(t, "secondary", q.Source)
	assert.Equal(t, refX.Address, q.Asset)
	assert.False(t, q.Fallback)
	assert.Equal(t, []string{"primary", "secondary"}, observed)

	cached, ok, err := cache.Get(context.Background(), refX.Address)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached.Price.Equal(decimal.RequireFromString("0.05")))
}

func TestChainFallsBackToCache(t *testing.T) {
	old := time.Unix(1_700_000_000, 0)
	cache := NewMemoryCache()
	require.NoError(t, cache.Put(context.Background(), Quote{Asset: refX.Address, Price: decimal.NewFromInt(2), Timestamp: old, Source: "primary"}))

	c := &Chain{
		Sources: []Source{&stubSource{name: "primary", err: errors.New("down")}},
		Caches:  []Cache{cache},
		Log:     quietLogger(),
	}
	q, err := c.Quote(context.Background(), refX)
	require.NoError(t, err)
	assert.True(t, q.Fallback)
	assert.False(t, q.Fresh(time.Minute, old.Add(2*time.Minute)))
}

func TestChainFallbackPrefersNewestCacheEntry(t *testing.T) {
	ctx := context.Background()
	old := time.Unix(1_700_000_000, 0)
	local, shared := NewMemoryCache(), NewMemoryCache()
	require.NoError(t, local.Put(ctx, Quote{Asset: refX.Address, Price: decimal.NewFromInt(2), Timestamp: old, Source: "primary"}))
	require.NoError(t, shared.Put(ctx, Quote{Asset: refX.Address, Price: decimal.NewFromInt(3), Timestamp: old.Add(time.Minute), Source: "secondary"}))

	c := &Chain{
		Sources: []Source{&stubSource{name: "primary", err: errors.New("down")}},
		Caches:  []Cache{local, shared},
		Log:     quietLogger(),
	}
	q, err := c.Quote(ctx, refX)
	require.NoError(t, err)
	assert.True(t, q.Fallback)
	assert.Equal(t, "secondary", q.Source)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(3)))
}

func TestChainFailsWithoutAnyQuote(t *testing.T) {
	c := &Chain{Sources: []Source{&stubSource{name: "primary", err: errors.New("down")}}, Log: quietLogger()}
	_, err := c.Quote(context.Background(), refX)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestChainRejectsNonPositivePrice(t *testing.T) {
	c := &Chain{Sources: []Source{&stubSource{name: "bad", q: Quote{Price: decimal.Zero, Timestamp: time.Now()}}}, Log: quietLogger()}
	_, err := c.Quote(context.Background(), refX)
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestHTTPSourceExtractsPriceAndTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price/X", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"price":"0.05","updated":1700000000}}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL + "/price/{symbol}", PricePath: "data.price", TimePath: "data.updated"}
	q, err := src.Quote(context.Background(), refX)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, int64(1_700_000_000), q.Timestamp.Unix())
}

func TestHTTPSourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"other":1}`))
	}))
	defer srv.Close()

	_, err := (&HTTPSource{URL: srv.URL + "?fail=1", PricePath: "price"}).Quote(context.Background(), refX)
	assert.Error(t, err)

	_, err = (&HTTPSource{URL: srv.URL, PricePath: "price"}).Quote(context.Background(), refX)
	assert.Error(t, err)
}

func TestMemoryCacheKeepsNewest(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, cache.Put(ctx, Quote{Asset: refX.Address, Price: decimal.NewFromInt(2), Timestamp: t0.Add(time.Second)}))
	require.NoError(t, cache.Put(ctx, Quote{Asset: refX.Address, Price: decimal.NewFromInt(1), Timestamp: t0}))

	q, ok, err := cache.Get(ctx, refX.Address)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(2)))
}

func TestRedisCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}), "relay-test:quote:", time.Minute)
	require.NoError(t, cache.Ping(ctx))

	in := Quote{Asset: refX.Address, Price: decimal.RequireFromString("0.05"), Timestamp: time.Unix(1_700_000_000, 0).UTC(), Source: "primary"}
	require.NoError(t, cache.Put(ctx, in))

	got, ok, err := cache.Get(ctx, refX.Address)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Price.Equal(in.Price))
	assert.Equal(t, in.Timestamp.Unix(), got.Timestamp.Unix())
}

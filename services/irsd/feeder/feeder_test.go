package feeder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"irsvenue/crypto"
)

type posted struct {
	reporter  crypto.Address
	rate      *uint256.Int
	updatedAt uint64
}

type fakeVenue struct {
	mu      sync.Mutex
	posts   []posted
	pokes   int
	pokeErr error
}

func (v *fakeVenue) PostObservation(reporter crypto.Address, rate *uint256.Int, updatedAt uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.posts = append(v.posts, posted{reporter: reporter, rate: rate, updatedAt: updatedAt})
	return nil
}

func (v *fakeVenue) Poke(...[32]byte) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pokes++
	if v.pokeErr != nil {
		return nil, v.pokeErr
	}
	return uint256.NewInt(1), nil
}

func reporter(b byte) crypto.Address {
	return crypto.NewAddress(crypto.TraderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func openCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "feeder.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestHTTPSourceParsesStringsAndNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		fmt.Fprint(w, `{"rate":"1585489599","ts":1700000000}`)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.Client(), "sofr", reporter(1), srv.URL, "rate", "ts", map[string]string{"X-Api-Key": "secret"})
	quote, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1585489599), quote.Rate.Uint64())
	require.Equal(t, uint64(1700000000), quote.UpdatedAt)
}

func TestHTTPSourceRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"missing rate": `{"updated_at": 1}`,
		"negative":     `{"rate_per_second": "-1", "updated_at": 1}`,
		"fractional":   `{"rate_per_second": 1.5, "updated_at": 1}`,
		"bad time":     `{"rate_per_second": "1", "updated_at": "yesterday"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer srv.Close()
			_, err := NewHTTPSource(srv.Client(), "x", reporter(1), srv.URL, "", "", nil).Fetch(context.Background())
			require.Error(t, err)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewHTTPSource(srv.Client(), "x", reporter(1), srv.URL, "", "", nil).Fetch(context.Background())
	require.ErrorContains(t, err, "502")
}

type stubSource struct {
	name  string
	addr  crypto.Address
	quote Quote
	err   error
}

func (s *stubSource) Name() string                       { return s.name }
func (s *stubSource) Reporter() crypto.Address           { return s.addr }
func (s *stubSource) Fetch(context.Context) (Quote, error) { return s.quote, s.err }

func TestTickPostsOnlyNewerReadings(t *testing.T) {
	venue := &fakeVenue{}
	cache := openCache(t)
	good := &stubSource{name: "a", addr: reporter(1), quote: Quote{Rate: uint256.NewInt(10), UpdatedAt: 100}}
	broken := &stubSource{name: "b", addr: reporter(2), err: errors.New("timeout")}
	fixed := time.Unix(1_700_000_000, 0)
	f, err := New(venue, cache, []Source{good, broken}, time.Second, time.Second, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	require.NoError(t, f.Tick(context.Background()))
	require.Len(t, venue.posts, 1)
	require.True(t, venue.posts[0].reporter.Equal(reporter(1)))
	require.Equal(t, 1, venue.pokes)

	rec, ok, err := cache.Last("A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10", rec.Rate)
	require.Equal(t, fixed.UTC(), rec.PostedAt)

	require.NoError(t, f.Tick(context.Background()))
	require.Len(t, venue.posts, 1, "unchanged reading must not be reposted")
	require.Equal(t, 2, venue.pokes)

	good.quote = Quote{Rate: uint256.NewInt(12), UpdatedAt: 160}
	require.NoError(t, f.Tick(context.Background()))
	require.Len(t, venue.posts, 2)
	require.Equal(t, uint64(160), venue.posts[1].updatedAt)
}

func TestTickRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	good := &stubSource{name: "a", addr: reporter(1), quote: Quote{Rate: uint256.NewInt(10), UpdatedAt: 100}}
	broken := &stubSource{name: "b", addr: reporter(2), err: errors.New("timeout")}
	f, err := New(&fakeVenue{}, openCache(t), []Source{good, broken}, time.Second, time.Second, WithTracer(provider.Tracer("feeder-test")))
	require.NoError(t, err)
	require.NoError(t, f.Tick(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	tick := spans[2]
	require.Equal(t, "feeder.tick", tick.Name())
	require.Equal(t, codes.Ok, tick.Status().Code)
	for i, wantCode := range []codes.Code{codes.Unset, codes.Error} {
		require.Equal(t, "feeder.fetch", spans[i].Name())
		require.Equal(t, wantCode, spans[i].Status().Code)
		require.Equal(t, tick.SpanContext().SpanID(), spans[i].Parent().SpanID())
	}
	require.Len(t, spans[1].Events(), 1, "fetch failure must be recorded on the span")
}

func TestTickReturnsPokeError(t *testing.T) {
	venue := &fakeVenue{pokeErr: errors.New("index frozen")}
	f, err := New(venue, nil, nil, time.Second, 0)
	require.NoError(t, err)
	require.ErrorContains(t, f.Tick(context.Background()), "index frozen")
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, nil, nil, time.Second, 0)
	require.Error(t, err)
	_, err = New(&fakeVenue{}, nil, []Source{&stubSource{name: "a"}}, time.Second, 0)
	require.Error(t, err)
	_, err = New(&fakeVenue{}, nil, nil, 0, 0)
	require.Error(t, err)
}

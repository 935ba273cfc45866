package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/reelfetch/proxypool"
)

type fakeEngine struct {
	kind   Kind
	fetch  func(ctx context.Context, req *FetchRequest) (*FetchResult, error)
	rate   float64
	calls  atomic.Int32
	closed atomic.Bool
	err    error
}

func (f *fakeEngine) Kind() Kind   { return f.kind }
func (f *fakeEngine) Name() string { return f.kind.String() }
func (f *fakeEngine) Stats() EngineStats {
	return EngineStats{Requests: int64(f.calls.Load()), SuccessRate: f.rate}
}
func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return f.err
}
func (f *fakeEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	f.calls.Add(1)
	return f.fetch(ctx, req)
}

func returning(kind Kind, html string) *fakeEngine {
	return &fakeEngine{kind: kind, fetch: func(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
		return &FetchResult{HTML: html, StatusCode: 200, EngineName: kind.String()}, nil
	}}
}

func failing(kind Kind, err error) *fakeEngine {
	return &fakeEngine{kind: kind, fetch: func(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
		return nil, err
	}}
}

func testDispatcher(engines Engines, opts DispatchOptions) (*Dispatcher, *recordingSleeper) {
	sl := &recordingSleeper{}
	opts.Sleep = sl.Sleep
	if opts.FallbackDelayMin == 0 {
		opts.FallbackDelayMin, opts.FallbackDelayMax = time.Second, 3*time.Second
	}
	return NewDispatcher(engines, nil, opts, nil), sl
}

func TestDispatcherFallsBackPastShortAndFailingEngines(t *testing.T) {
	a := returning(KindHTTP, "0123456789")
	b := failing(KindSolver, errors.New("connection reset"))
	c := returning(KindBrowser, strings.Repeat("x", 5000))

	d, sl := testDispatcher(Engines{HTTP: a, Solver: b, Browser: c}, DispatchOptions{
		DefaultEngine: KindHTTP,
		FallbackOrder: []Kind{KindHTTP, KindSolver, KindBrowser},
	})

	res, err := d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/festivals"})
	require.NoError(t, err)
	assert.Len(t, res.HTML, 5000)
	assert.Equal(t, "browser", res.EngineName)

	snap := d.Stats()
	assert.Equal(t, int64(1), snap.Attempts["http"].Attempts)
	assert.Equal(t, int64(1), snap.Attempts["http"].Failures)
	assert.Contains(t, snap.Attempts["http"].LastError, "content too short")
	assert.Equal(t, int64(1), snap.Attempts["solver"].Failures)
	assert.Equal(t, int64(1), snap.Attempts["solver"].Attempts)
	assert.Equal(t, int64(1), snap.Attempts["browser"].Successes)
	assert.Equal(t, int64(0), snap.Attempts["browser"].Failures)
	assert.Len(t, snap.Engines, 3)
	assert.Nil(t, snap.Pool)
	assert.Equal(t, snap, d.Stats())

	require.Len(t, sl.waits, 2)
	for _, w := range sl.waits {
		assert.GreaterOrEqual(t, w, time.Second)
		assert.LessOrEqual(t, w, 3*time.Second)
	}
}

func TestDispatcherAllFailed(t *testing.T) {
	last := errors.New("browser crashed")
	d, sl := testDispatcher(Engines{
		HTTP:    failing(KindHTTP, errors.New("timeout")),
		Browser: failing(KindBrowser, last),
	}, DispatchOptions{DefaultEngine: KindHTTP})

	_, err := d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllEnginesFailed)
	assert.ErrorIs(t, err, last)

	var fe *FallbackError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []string{"http", "browser"}, fe.Tried)

	// Only one pause: none follows the last engine.
	assert.Len(t, sl.waits, 1)
}

func TestDispatcherPreferredEngineLeads(t *testing.T) {
	var order []string
	mk := func(k Kind) *fakeEngine {
		return &fakeEngine{kind: k, fetch: func(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
			order = append(order, k.String())
			return nil, errors.New("nope")
		}}
	}
	d, _ := testDispatcher(Engines{HTTP: mk(KindHTTP), Solver: mk(KindSolver), Browser: mk(KindBrowser)},
		DispatchOptions{FallbackOrder: []Kind{KindHTTP, KindSolver, KindBrowser}})

	_, err := d.FetchWith(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"}, KindBrowser)
	require.Error(t, err)
	assert.Equal(t, []string{"browser", "http", "solver"}, order)
}

func TestDispatcherRanksBySuccessRate(t *testing.T) {
	httpEng := returning(KindHTTP, "")
	solver := returning(KindSolver, "")
	browser := returning(KindBrowser, "")

	d, _ := testDispatcher(Engines{HTTP: httpEng, Solver: solver, Browser: browser}, DispatchOptions{
		DefaultEngine: KindSolver,
		FallbackOrder: []Kind{KindHTTP, KindSolver, KindBrowser},
	})

	// Nobody has earned the threshold yet: the default engine leads.
	assert.Equal(t, []Kind{KindSolver, KindHTTP, KindBrowser}, d.Order())

	browser.rate = 0.9
	httpEng.rate = 0.5
	assert.Equal(t, []Kind{KindBrowser, KindHTTP, KindSolver}, d.Order())

	// Ties keep construction order.
	httpEng.rate = 0.9
	assert.Equal(t, []Kind{KindHTTP, KindSolver, KindBrowser}, d.Order())

	browser.rate, httpEng.rate = 0.6, 0.69
	assert.Equal(t, []Kind{KindSolver, KindHTTP, KindBrowser}, d.Order())
}

func TestDispatcherSkipsMissingEngines(t *testing.T) {
	solver := returning(KindSolver, strings.Repeat("y", 200))
	d, sl := testDispatcher(Engines{Solver: solver}, DispatchOptions{
		DefaultEngine: KindHTTP,
		FallbackOrder: []Kind{KindHTTP, KindBrowser, KindSolver},
	})

	res, err := d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	require.NoError(t, err)
	assert.Equal(t, "solver", res.EngineName)
	assert.Empty(t, sl.waits)
	assert.Equal(t, int32(1), solver.calls.Load())
}

func TestDispatcherNoEngines(t *testing.T) {
	d, _ := testDispatcher(Engines{}, DispatchOptions{})
	_, err := d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	assert.ErrorIs(t, err, ErrAllEnginesFailed)
}

func TestDispatcherContentLengthBoundary(t *testing.T) {
	d, _ := testDispatcher(Engines{HTTP: returning(KindHTTP, strings.Repeat("z", 100))},
		DispatchOptions{MinContentLength: 100})
	_, err := d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContentTooShort)

	// Length counts characters, not bytes.
	d, _ = testDispatcher(Engines{HTTP: returning(KindHTTP, strings.Repeat("é", 60))},
		DispatchOptions{MinContentLength: 100})
	_, err = d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	assert.ErrorIs(t, err, ErrContentTooShort)

	// Surrounding whitespace counts, as it does in the raw page.
	d, _ = testDispatcher(Engines{HTTP: returning(KindHTTP, "  "+strings.Repeat("z", 99)+"\n")},
		DispatchOptions{MinContentLength: 100})
	_, err = d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	assert.NoError(t, err)

	d, _ = testDispatcher(Engines{HTTP: returning(KindHTTP, strings.Repeat("z", 101))},
		DispatchOptions{MinContentLength: 100})
	_, err = d.Fetch(context.Background(), &FetchRequest{URL: "https://filmfreeway.com/"})
	assert.NoError(t, err)
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeEngine{kind: KindHTTP, fetch: func(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
		cancel()
		return nil, ctx.Err()
	}}
	second := returning(KindSolver, strings.Repeat("a", 500))
	d, _ := testDispatcher(Engines{HTTP: first, Solver: second}, DispatchOptions{DefaultEngine: KindHTTP})

	_, err := d.Fetch(ctx, &FetchRequest{URL: "https://filmfreeway.com/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestDispatcherCloseClosesEnginesAndPool(t *testing.T) {
	store := &proxypool.MemoryStore{}
	pool, err := proxypool.New(store, proxypool.Options{MinProxies: -1}, nil)
	require.NoError(t, err)

	a := returning(KindHTTP, "")
	b := returning(KindBrowser, "")
	b.err = errors.New("browser already gone")
	d := NewDispatcher(Engines{HTTP: a, Browser: b}, pool, DispatchOptions{}, nil)

	err = d.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser already gone")
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Positive(t, store.Saves)

	snap := d.Stats()
	require.NotNil(t, snap.Pool)
	assert.Equal(t, 0, snap.Pool.Total)
}

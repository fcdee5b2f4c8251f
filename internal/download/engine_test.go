package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maneesh/comicshelf/internal/blobcache"
	"github.com/maneesh/comicshelf/internal/chunker"
	"github.com/maneesh/comicshelf/internal/models"
	"github.com/maneesh/comicshelf/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin serves body for every path, optionally failing the first GETs
type fakeOrigin struct {
	body      []byte
	failFirst int32
	status    atomic.Int32
	noHead    bool
	gets      atomic.Int32
	ranged    atomic.Int32
	release   chan struct{}
}

func (o *fakeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		if o.noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	} else {
		n := o.gets.Add(1)
		if r.Header.Get("Range") != "" {
			o.ranged.Add(1)
		}
		if o.release != nil {
			<-o.release
		}
		if n <= o.failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if code := o.status.Load(); code != 0 {
			w.WriteHeader(int(code))
			return
		}
	}

	w.Header().Set("Content-Disposition", `attachment; filename="vol1.cbz"`)
	http.ServeContent(w, r, "vol1.bin", time.Time{}, bytes.NewReader(o.body))
}

func newEngine(t *testing.T, opts Options) (*Engine, *storage.Store) {
	t.Helper()
	st := storage.NewStore(storage.NewMemoryBackend())
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return NewEngine(opts, st, blobcache.New(st)), st
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func TestDownload_Stream(t *testing.T) {
	origin := &fakeOrigin{body: payload(200_000)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{Strategies: DefaultStrategies(16*1024, 64*1024)})
	events, cancel := e.Subscribe("vol1")
	defer cancel()

	rec, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)

	assert.Equal(t, models.DownloadCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, origin.body, rec.Blob)
	assert.Equal(t, chunker.ComputeHash(origin.body), rec.Checksum)
	assert.Equal(t, "vol1.cbz", rec.FileName)
	require.NotNil(t, rec.FileSizeBytes)
	assert.Equal(t, int64(200_000), *rec.FileSizeBytes)
	require.NotNil(t, rec.DownloadedAtEpochMs)
	assert.Equal(t, int32(1), origin.gets.Load())

	var last Progress
	var percents []int
	for ev := range drain(events) {
		last = ev
		if ev.Percent != nil {
			percents = append(percents, *ev.Percent)
		}
	}
	assert.True(t, last.Done)
	assert.Equal(t, "stream", last.Strategy)
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestDownload_CompletedIsNotFetchedAgain(t *testing.T) {
	origin := &fakeOrigin{body: payload(1000)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{})
	req := Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"}

	first, err := e.Download(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Download(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Blob, second.Blob)
	assert.Equal(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, int32(1), origin.gets.Load())
}

func TestDownload_ConcurrentCallsShareOneTransfer(t *testing.T) {
	origin := &fakeOrigin{body: payload(1000), release: make(chan struct{})}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{})
	req := Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"}

	var wg sync.WaitGroup
	results := make([]*models.DownloadRecord, 3)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := e.Download(context.Background(), req)
			assert.NoError(t, err)
			results[i] = rec
		}()
	}

	require.Eventually(t, func() bool { return e.InFlight("vol1") }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(origin.release)
	wg.Wait()

	assert.Equal(t, int32(1), origin.gets.Load())
	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, origin.body, rec.Blob)
	}
}

func TestDownload_RetriesTransientErrors(t *testing.T) {
	origin := &fakeOrigin{body: payload(500), failFirst: 2}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{MaxAttempts: 3})
	rec, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)
	assert.Equal(t, models.DownloadCompleted, rec.Status)
	assert.Equal(t, int32(3), origin.gets.Load())
}

type failingStrategy struct {
	err   error
	calls atomic.Int32
}

func (f *failingStrategy) Name() string { return "failing" }

func (f *failingStrategy) Fetch(ctx context.Context, t *Transfer) ([]byte, error) {
	f.calls.Add(1)
	return nil, f.err
}

func TestDownload_PermanentErrorFallsBackToNextStrategy(t *testing.T) {
	origin := &fakeOrigin{body: payload(300)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	failing := &failingStrategy{err: &StatusError{URL: "x", StatusCode: http.StatusForbidden}}
	e, _ := newEngine(t, Options{Strategies: []Strategy{failing, &BufferedStrategy{}}})

	rec, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)
	assert.Equal(t, origin.body, rec.Blob)
	assert.Equal(t, int32(1), failing.calls.Load(), "permanent errors are not retried")
}

func TestDownload_ExhaustedRetriesFallBackToRanged(t *testing.T) {
	origin := &fakeOrigin{body: payload(35)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	failing := &failingStrategy{err: errors.Join(ErrTransient, errors.New("connection reset"))}
	e, _ := newEngine(t, Options{
		MaxAttempts: 3,
		Strategies:  []Strategy{failing, &RangeStrategy{ChunkSize: 10}},
	})

	rec, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)
	assert.Equal(t, origin.body, rec.Blob)
	assert.Equal(t, int32(3), failing.calls.Load())
	assert.Equal(t, int32(4), origin.ranged.Load(), "35 bytes in 10 byte ranges")
}

func TestDownload_RangedNeedsKnownSize(t *testing.T) {
	origin := &fakeOrigin{body: payload(35), noHead: true}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, st := newEngine(t, Options{Strategies: []Strategy{&RangeStrategy{ChunkSize: 10}}})
	_, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	assert.ErrorIs(t, err, ErrAllStrategiesFailed)
	assert.ErrorIs(t, err, ErrStrategyUnsupported)
	assert.Zero(t, origin.gets.Load())

	rec, err := st.GetDownload(context.Background(), "vol1", false)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, rec.Status)
}

func TestDownload_NotFoundStopsImmediately(t *testing.T) {
	origin := &fakeOrigin{body: payload(10)}
	origin.status.Store(http.StatusNotFound)
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, st := newEngine(t, Options{})
	_, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	assert.ErrorIs(t, err, ErrRemoteNotFound)
	assert.Equal(t, int32(1), origin.gets.Load())

	rec, err := st.GetDownload(context.Background(), "vol1", true)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Nil(t, rec.Blob)

	// a failed record restarts on the next call
	origin.status.Store(0)
	rec, err = e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)
	assert.Equal(t, models.DownloadCompleted, rec.Status)
	assert.Nil(t, rec.ErrorMessage)
}

func TestDownload_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e, st := newEngine(t, Options{Timeout: 50 * time.Millisecond})
	events, cancel := e.Subscribe("slow")
	defer cancel()

	_, err := e.Download(context.Background(), Request{ID: "slow", URL: srv.URL + "/slow.cbz"})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "download timed out after 50ms", err.Error())

	rec, err := st.GetDownload(context.Background(), "slow", false)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, rec.Status)
	assert.Contains(t, *rec.ErrorMessage, "timed out")

	var last Progress
	for ev := range drain(events) {
		last = ev
	}
	assert.True(t, last.Done)
	assert.NotEmpty(t, last.Err)
}

// truncatingOrigin answers the first cut GETs with a chunked body that breaks off
// after one 10-byte chunk, then serves body in full
type truncatingOrigin struct {
	body []byte
	cut  int32
	gets atomic.Int32
}

func (o *truncatingOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodHead && o.gets.Add(1) <= o.cut {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Type: application/octet-stream\r\n\r\n")
		_, _ = buf.WriteString("a\r\n")
		_, _ = buf.Write(o.body[:10])
		_, _ = buf.WriteString("\r\n")
		_ = buf.Flush()
		return
	}
	http.ServeContent(w, r, "vol1.cbz", time.Time{}, bytes.NewReader(o.body))
}

func TestDownload_TruncatedChunkedBodyIsRetried(t *testing.T) {
	origin := &truncatingOrigin{body: payload(100), cut: 1}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{MaxAttempts: 3, Strategies: []Strategy{&StreamStrategy{ChunkSize: 16}}})
	rec, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)
	assert.Equal(t, origin.body, rec.Blob)
	assert.Equal(t, chunker.ComputeHash(origin.body), rec.Checksum)
	assert.Equal(t, int32(2), origin.gets.Load())
}

func TestDownload_TruncatedChunkedBodyIsNeverCompleted(t *testing.T) {
	origin := &truncatingOrigin{body: payload(100), cut: 1000}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, st := newEngine(t, Options{
		MaxAttempts: 2,
		Strategies:  []Strategy{&StreamStrategy{ChunkSize: 16}, &BufferedStrategy{}},
	})
	_, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.ErrorIs(t, err, ErrAllStrategiesFailed)
	assert.Equal(t, int32(4), origin.gets.Load(), "both strategies retried")

	rec, err := st.GetDownload(context.Background(), "vol1", true)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, rec.Status)
	assert.Nil(t, rec.Blob)
}

func TestDownload_BodyShorterThanAdvertisedSize(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "100")
			w.WriteHeader(http.StatusOK)
			return
		}
		gets.Add(1)
		// flushing before the handler returns forces a chunked response
		_, _ = w.Write(payload(10))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	e, _ := newEngine(t, Options{MaxAttempts: 2, Strategies: []Strategy{&StreamStrategy{ChunkSize: 16}}})
	_, err := e.Download(context.Background(), Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.ErrorIs(t, err, ErrAllStrategiesFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, int32(2), gets.Load())
}

func TestDownload_InvalidRequest(t *testing.T) {
	e, _ := newEngine(t, Options{})
	_, err := e.Download(context.Background(), Request{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDownload_StoreUnavailable(t *testing.T) {
	e, st := newEngine(t, Options{})
	require.NoError(t, st.Close())

	_, err := e.Download(context.Background(), Request{ID: "x", URL: "http://127.0.0.1:1/x"})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

func TestDownload_EnforcesCacheLimit(t *testing.T) {
	origin := &fakeOrigin{body: payload(100)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, st := newEngine(t, Options{CacheLimit: 2})
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	e.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Download(context.Background(), Request{ID: id, URL: srv.URL + "/" + id})
		require.NoError(t, err)
	}

	a, err := st.GetDownload(context.Background(), "a", false)
	require.NoError(t, err)
	assert.Nil(t, a, "oldest completed download evicted")

	for _, id := range []string{"b", "c"} {
		rec, err := st.GetDownload(context.Background(), id, false)
		require.NoError(t, err)
		assert.NotNil(t, rec, id)
	}
}

func TestPreload(t *testing.T) {
	origin := &fakeOrigin{body: payload(100)}
	origin.status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, st := newEngine(t, Options{MaxAttempts: 1})
	req := Request{ID: "next", URL: srv.URL + "/next.cbz"}

	assert.True(t, e.Preload(context.Background(), req))
	e.Wait()

	rec, err := st.GetDownload(context.Background(), "next", false)
	require.NoError(t, err)
	assert.Equal(t, models.DownloadFailed, rec.Status, "preload failure is recorded, not returned")

	origin.status.Store(0)
	assert.True(t, e.Preload(context.Background(), req), "failed preloads can be started again")
	e.Wait()
	assert.False(t, e.Preload(context.Background(), req), "completed downloads are not preloaded")
}

func TestDownloadBatch_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "x.bin", time.Time{}, bytes.NewReader(payload(64)))
	}))
	defer srv.Close()

	e, _ := newEngine(t, Options{})
	batchID := NewBatchID()
	events, cancel := e.SubscribeBatch(batchID)
	defer cancel()

	result := e.DownloadBatch(context.Background(), batchID, []Request{
		{ID: "one", URL: srv.URL + "/one"},
		{ID: "missing", URL: srv.URL + "/missing"},
		{ID: "three", URL: srv.URL + "/three"},
	})

	assert.Equal(t, batchID, result.BatchID)
	assert.Equal(t, []string{"one", "three"}, result.Succeeded)
	assert.Contains(t, result.Failed, "missing")

	var last BatchProgress
	for ev := range drain(events) {
		last = ev
	}
	assert.True(t, last.Done)
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 1, last.Failed)
	assert.Equal(t, 3, last.Total)
}

func TestDownloadBatch_CancelledContext(t *testing.T) {
	e, _ := newEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.DownloadBatch(ctx, "", []Request{{ID: "a", URL: "http://127.0.0.1:1/a"}, {ID: "b", URL: "http://127.0.0.1:1/b"}})
	assert.NotEmpty(t, result.BatchID)
	assert.Empty(t, result.Succeeded)
	assert.Len(t, result.Failed, 2)
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{``, ``},
		{`attachment; filename="Saga Vol 1.cbz"`, `Saga Vol 1.cbz`},
		{`attachment; filename=plain.zip`, `plain.zip`},
		{`inline; filename='quoted.cbr'`, `quoted.cbr`},
		{`attachment; filename*=UTF-8''caf%C3%A9.cbz`, `café.cbz`},
		{`attachment`, ``},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, parseFileName(test.header), test.header)
	}
}

func TestTimeoutError(t *testing.T) {
	assert.Equal(t, "download timed out after 90s", timeoutError(90*time.Second).Error())
	assert.ErrorIs(t, timeoutError(time.Second), ErrTimeout)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"server error", &StatusError{StatusCode: 502}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"forbidden", &StatusError{StatusCode: 403}, false},
		{"unexpected eof", errors.Join(errors.New("read"), errors.New("x"), ErrTransient), true},
		{"deadline", context.DeadlineExceeded, false},
		{"unsupported", ErrStrategyUnsupported, false},
		{"plain", errors.New("boom"), false},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, isTransient(test.err), test.name)
	}
}

func TestSettled(t *testing.T) {
	origin := &fakeOrigin{body: payload(100)}
	srv := httptest.NewServer(origin)
	defer srv.Close()

	e, _ := newEngine(t, Options{})
	ctx := context.Background()

	ev, err := e.Settled(ctx, "vol1")
	require.NoError(t, err)
	assert.Nil(t, ev, "never started")

	_, err = e.Download(ctx, Request{ID: "vol1", URL: srv.URL + "/vol1.cbz"})
	require.NoError(t, err)

	ev, err = e.Settled(ctx, "vol1")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Done)
	assert.Equal(t, models.DownloadCompleted, ev.Status)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 100, *ev.Percent)
	assert.Equal(t, int64(100), ev.BytesReceived)
	assert.Empty(t, ev.Err)

	origin.status.Store(http.StatusNotFound)
	_, err = e.Download(ctx, Request{ID: "vol2", URL: srv.URL + "/vol2.cbz"})
	require.ErrorIs(t, err, ErrRemoteNotFound)

	ev, err = e.Settled(ctx, "vol2")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.DownloadFailed, ev.Status)
	assert.NotEmpty(t, ev.Err)
}

func TestHub_FinalEventSurvivesSlowSubscriber(t *testing.T) {
	h := newHub[Progress]()
	ch, cancel := h.subscribe("x")

	for i := 0; i < 100; i++ {
		h.publish("x", Progress{ID: "x", BytesReceived: int64(i)})
	}
	h.publish("x", Progress{ID: "x", Done: true})

	var last Progress
	n := 0
	for ev := range drain(ch) {
		last = ev
		n++
	}
	assert.True(t, last.Done)
	assert.Equal(t, subscriberBuffer, n)

	cancel()
	cancel()
	assert.Zero(t, h.subscribers("x"))
	h.publish("x", Progress{ID: "x"})
}

// drain collects what is buffered right now without waiting for more
func drain[T any](ch <-chan T) <-chan T {
	out := make(chan T, 1024)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				close(out)
				return out
			}
			out <- ev
		default:
			close(out)
			return out
		}
	}
}

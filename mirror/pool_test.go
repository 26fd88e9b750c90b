package mirror_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/code-mirror/mirror"
	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/testutil"
	"github.com/coder/code-mirror/upstream"
)

func newPool(t *testing.T, store *storage.Store, client *upstream.Client) *mirror.Pool {
	return &mirror.Pool{
		Client:    client,
		Store:     store,
		Logger:    testutil.Logger(t),
		RetryMax:  2,
		RetryWait: time.Millisecond,
	}
}

func TestPoolFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	content := []byte("the payload")
	sum := sha256.Sum256(content)
	url := fake.ServeFile("asset", content)

	store := testutil.Store(t)
	pool := newPool(t, store, fake.Client(testutil.Logger(t)))

	item := mirror.WorkItem{
		Kind:   mirror.KindAsset,
		URL:    url,
		Dest:   "extensions/pub.ext/1.0.0/pkg",
		Size:   int64(len(content)),
		SHA256: hex.EncodeToString(sum[:]),
	}

	result := pool.Fetch(ctx, []mirror.WorkItem{item})
	require.Empty(t, result.Failures)
	require.EqualValues(t, 1, result.Progress.Done.Load())
	require.EqualValues(t, int64(len(content)), result.Progress.Bytes.Load())
	require.True(t, store.Has(item.Dest, storage.Expect{SHA256: item.SHA256}))
	require.Equal(t, storage.Expect{
		Size:   int64(len(content)),
		SHA256: hex.EncodeToString(sum[:]),
	}, result.Observed[item.Dest])

	// A second run is satisfied by the probe and transfers nothing.
	result = pool.Fetch(ctx, []mirror.WorkItem{item})
	require.Empty(t, result.Failures)
	require.EqualValues(t, 0, result.Progress.Bytes.Load())
	require.Empty(t, result.Observed)
}

func TestPoolIntegrity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	url := fake.ServeFile("asset", []byte("corrupted content"))

	store := testutil.Store(t)
	pool := newPool(t, store, fake.Client(testutil.Logger(t)))

	item := mirror.WorkItem{
		Kind:   mirror.KindAsset,
		URL:    url,
		Dest:   "extensions/pub.ext/1.0.0/pkg",
		SHA256: "0000000000000000000000000000000000000000000000000000000000000000",
	}
	result := pool.Fetch(ctx, []mirror.WorkItem{item})
	require.True(t, result.Failed(item.Dest))
	require.EqualValues(t, 1, result.Progress.Failed.Load())
	require.False(t, store.Has(item.Dest, storage.Expect{}))
}

func TestPoolRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	content := []byte("eventually works")
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Truncate mid-body so the declared size is not met.
			rw.Header().Set("Content-Length", "1000")
			_, _ = rw.Write([]byte("partial"))
			return
		}
		_, _ = rw.Write(content)
	}))
	t.Cleanup(srv.Close)

	store := testutil.Store(t)
	client := upstream.New(upstream.Options{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Logger:       testutil.Logger(t),
	})
	pool := newPool(t, store, client)

	item := mirror.WorkItem{
		Kind: mirror.KindAsset,
		URL:  srv.URL,
		Dest: "file",
		Size: int64(len(content)),
	}
	result := pool.Fetch(context.Background(), []mirror.WorkItem{item})
	require.Empty(t, result.Failures)
	require.True(t, store.Has("file", storage.Expect{Size: int64(len(content))}))
}

func TestPoolCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Length", "1000000")
		_, _ = rw.Write([]byte("start"))
		rw.(http.Flusher).Flush()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	store := testutil.Store(t)
	client := upstream.New(upstream.Options{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Timeout:      time.Minute,
		Logger:       testutil.Logger(t),
	})
	pool := newPool(t, store, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	item := mirror.WorkItem{Kind: mirror.KindAsset, URL: srv.URL, Dest: "file"}
	result := pool.Fetch(ctx, []mirror.WorkItem{item})
	require.True(t, result.Failed("file"))
	require.False(t, store.Has("file", storage.Expect{}))
}

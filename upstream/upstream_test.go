package upstream_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/testutil"
	"github.com/coder/code-mirror/upstream"
)

func TestReleaseManifest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	fake.AddRelease("linux-x64", "stable", "commit-aaa", []byte("payload"))
	client := fake.Client(testutil.Logger(t))

	t.Run("Found", func(t *testing.T) {
		t.Parallel()

		rel, err := client.ReleaseManifest(ctx, "linux-x64", "stable")
		require.NoError(t, err)
		require.Equal(t, "commit-aaa", rel.Commit())
		require.Equal(t, "linux-x64", rel.Platform)
		require.Equal(t, "stable", rel.Quality)
		require.NotEmpty(t, rel.SHA256Hash)
	})

	t.Run("UnknownTrack", func(t *testing.T) {
		t.Parallel()

		_, err := client.ReleaseManifest(ctx, "linux-arm64", "stable")
		var statusErr *upstream.StatusError
		require.True(t, xerrors.As(err, &statusErr))
		require.Equal(t, http.StatusNotFound, statusErr.Code)
	})
}

func TestReleaseManifestNoContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := upstream.New(upstream.Options{
		UpdateURL: srv.URL,
		Logger:    testutil.Logger(t),
	})
	rel, err := client.ReleaseManifest(context.Background(), "linux-x64", "stable")
	require.NoError(t, err)
	require.Nil(t, rel)
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = rw.Write([]byte("payload"))
	}))
	t.Cleanup(srv.Close)

	client := upstream.New(upstream.Options{
		RetryMax:     2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Logger:       testutil.Logger(t),
	})
	body, _, err := client.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	defer body.Close()
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), content)
	require.EqualValues(t, 2, calls.Load())
}

func TestDownloadNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		rw.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client := upstream.New(upstream.Options{
		RetryMax:     3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
		Logger:       testutil.Logger(t),
	})
	_, _, err := client.Download(context.Background(), srv.URL)
	var statusErr *upstream.StatusError
	require.True(t, xerrors.As(err, &statusErr))
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	// 4xx responses are not retried.
	require.EqualValues(t, 1, calls.Load())
}

func TestMalicious(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeUpstream(t)
	fake.SetMalicious("evil.ext", "bad.actor")
	client := fake.Client(testutil.Logger(t))

	ids, raw, err := client.Malicious(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"evil.ext", "bad.actor"}, ids)
	require.NotEmpty(t, raw)
}

func TestRecommendations(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeUpstream(t)
	fake.SetRecommendations("ms-python.python", "golang.go")
	client := fake.Client(testutil.Logger(t))

	ids, err := client.Recommendations(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ms-python.python", "golang.go"}, ids)
}

func TestQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	popular := testutil.Extension("ms-python", "python", "2.0.0")
	popular.Statistics = []marketplace.ExtStat{{StatisticName: "install", Value: 9000}}
	fake.Publish(popular)
	fake.Publish(testutil.Extension("golang", "go", "1.0.0"))
	fake.Publish(testutil.Extension("rust-lang", "rust-analyzer", "1.0.0"))
	client := fake.Client(testutil.Logger(t))

	t.Run("SearchAll", func(t *testing.T) {
		exts, err := client.SearchByText(ctx, "*")
		require.NoError(t, err)
		require.Len(t, exts, 3)
	})

	t.Run("SearchText", func(t *testing.T) {
		exts, err := client.SearchByText(ctx, "python")
		require.NoError(t, err)
		require.Len(t, exts, 1)
		require.Equal(t, "ms-python.python", exts[0].Identity())
	})

	t.Run("TopByInstalls", func(t *testing.T) {
		exts, err := client.TopByInstalls(ctx, 2)
		require.NoError(t, err)
		require.Len(t, exts, 2)
		require.Equal(t, "ms-python.python", exts[0].Identity())
	})

	t.Run("ByName", func(t *testing.T) {
		ext, err := client.ExtensionByName(ctx, "golang.go", false)
		require.NoError(t, err)
		require.NotNil(t, ext)
		require.Equal(t, "golang.go", ext.Identity())

		ext, err = client.ExtensionByName(ctx, "does.not-exist", false)
		require.NoError(t, err)
		require.Nil(t, ext)
	})
}

func TestQueryPreReleaseFiltering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	ext := testutil.Extension("pub", "mixed")
	ext.Versions = []marketplace.ExtVersion{
		testutil.PreRelease(testutil.Version("2.1.0", "", time.Hour)),
		testutil.Version("2.0.0", "", 2*time.Hour),
	}
	fake.Publish(ext)
	client := fake.Client(testutil.Logger(t))

	stable, err := client.ExtensionByName(ctx, "pub.mixed", false)
	require.NoError(t, err)
	require.NotNil(t, stable)
	require.Len(t, stable.Versions, 1)
	require.Equal(t, "2.0.0", stable.Versions[0].Version)

	all, err := client.ExtensionByName(ctx, "pub.mixed", true)
	require.NoError(t, err)
	require.NotNil(t, all)
	require.Len(t, all.Versions, 2)
}

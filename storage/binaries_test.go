package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/code-mirror/marketplace"
)

func testRelease(platform, quality, commit string) *marketplace.Release {
	return &marketplace.Release{
		URL:      "https://update.example.com/" + commit,
		Name:     "1.100.0",
		Version:  commit,
		Platform: platform,
		Quality:  quality,
		Filename: commit + ".tar.gz",
	}
}

func TestSaveRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.SaveRelease(ctx, testRelease("linux-x64", "stable", "aaa")))
	require.NoError(t, store.SaveRelease(ctx, testRelease("linux-x64", "stable", "bbb")))

	t.Run("Latest", func(t *testing.T) {
		t.Parallel()

		rel, err := store.LatestRelease(ctx, "stable", "linux-x64")
		require.NoError(t, err)
		require.Equal(t, "bbb", rel.Commit())
	})

	t.Run("ByCommit", func(t *testing.T) {
		t.Parallel()

		rel, err := store.ReleaseByCommit(ctx, "stable", "linux-x64", "aaa")
		require.NoError(t, err)
		require.Equal(t, "aaa", rel.Commit())

		_, err = store.ReleaseByCommit(ctx, "stable", "linux-x64", "ccc")
		require.Error(t, err)
	})

	t.Run("Incomplete", func(t *testing.T) {
		t.Parallel()

		require.Error(t, store.SaveRelease(ctx, &marketplace.Release{Version: "x"}))
	})
}

func TestWalkBinaries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.SaveRelease(ctx, testRelease("linux-x64", "stable", "aaa")))
	require.NoError(t, store.SaveRelease(ctx, testRelease("win32-x64-archive", "insider", "bbb")))

	type track struct{ quality, platform, commit string }
	seen := []track{}
	err := store.WalkBinaries(ctx, func(quality, platform string, rel *marketplace.Release) error {
		seen = append(seen, track{quality, platform, rel.Commit()})
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []track{
		{"stable", "linux-x64", "aaa"},
		{"insider", "win32-x64-archive", "bbb"},
	}, seen)
}

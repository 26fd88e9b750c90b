package mirror_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/mirror"
	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/testutil"
)

func newResolver(t *testing.T, fake *testutil.FakeUpstream, store *storage.Store) *mirror.Resolver {
	return &mirror.Resolver{
		Client: fake.Client(testutil.Logger(t)),
		Store:  store,
		Logger: testutil.Logger(t),
	}
}

func TestResolveBinaries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	fake.AddRelease("linux-x64", "stable", "commit-aaa", []byte("linux build"))
	fake.AddRelease("darwin", "stable", "commit-bbb", []byte("mac build"))

	store := testutil.Store(t)
	resolver := newResolver(t, fake, store)

	plan, err := resolver.Resolve(ctx, mirror.Mode{
		Binaries:  true,
		Platforms: []string{"linux-x64", "darwin"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Binaries, 2)
	require.Equal(t, 2, plan.Downloads())
	for _, bp := range plan.Binaries {
		require.NotNil(t, bp.Item)
		require.Equal(t, mirror.KindBinary, bp.Item.Kind)
		require.NotEmpty(t, bp.Item.SHA256)
		require.Equal(t, "stable", bp.Release.Quality)
	}
}

func TestResolveBinariesSatisfied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	payload := []byte("linux build")
	rel := fake.AddRelease("linux-x64", "stable", "commit-aaa", payload)

	store := testutil.Store(t)
	// Seed the payload at the destination the resolver will compute.
	w, err := store.OpenWrite(storage.BinaryPath("stable", "linux-x64", rel.Commit(), "commit-aaa.tar.gz"), storage.Expect{SHA256: rel.SHA256Hash})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	resolver := newResolver(t, fake, store)
	plan, err := resolver.Resolve(ctx, mirror.Mode{
		Binaries:  true,
		Platforms: []string{"linux-x64"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Binaries, 1)
	require.Nil(t, plan.Binaries[0].Item)
	require.Equal(t, 0, plan.Downloads())
}

func TestResolveBinariesAllUnreachable(t *testing.T) {
	t.Parallel()

	fake := testutil.NewFakeUpstream(t)
	store := testutil.Store(t)
	resolver := newResolver(t, fake, store)

	// Every track 404s, which counts as unreachable rather than "no work".
	_, err := resolver.Resolve(context.Background(), mirror.Mode{
		Binaries:  true,
		Platforms: []string{"linux-x64", "darwin"},
	})
	require.Error(t, err)
}

func TestResolveExtensionsByName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	fake.Publish(testutil.Extension("ms-python", "python", "2.0.0", "1.0.0"))

	store := testutil.Store(t)
	resolver := newResolver(t, fake, store)

	plan, err := resolver.Resolve(ctx, mirror.Mode{Name: "ms-python.python"})
	require.NoError(t, err)
	require.Len(t, plan.Extensions, 1)
	ep := plan.Extensions[0]
	require.Equal(t, "ms-python.python", ep.Record.Identity)
	// Two files per version planned for download.
	require.Len(t, ep.Items, 2*len(ep.Record.Versions))
}

func TestResolveSubtractsSatisfied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	ext := testutil.Extension("ms-python", "python", "2.0.0")
	fake.Publish(ext)

	store := testutil.Store(t)
	// Pretend one asset already arrived.
	dest := storage.AssetPath("ms-python.python", "2.0.0", "", marketplace.VSIXAssetType)
	w, err := store.OpenWrite(dest, storage.Expect{})
	require.NoError(t, err)
	_, err = w.Write([]byte("already here"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	resolver := newResolver(t, fake, store)
	plan, err := resolver.Resolve(ctx, mirror.Mode{Name: "ms-python.python"})
	require.NoError(t, err)
	require.Len(t, plan.Extensions, 1)
	items := plan.Extensions[0].Items
	require.Len(t, items, 1)
	require.Equal(t, marketplace.ManifestAssetType, items[0].AssetType)
}

func TestResolveMaliciousSuppression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	fake.Publish(testutil.Extension("good", "ext", "1.0.0"))
	fake.Publish(testutil.Extension("evil", "ext", "1.0.0"))
	fake.SetMalicious("evil.ext")

	store := testutil.Store(t)
	resolver := newResolver(t, fake, store)

	plan, err := resolver.Resolve(ctx, mirror.Mode{
		Extensions: true,
		All:        true,
		Malicious:  true,
	})
	require.NoError(t, err)
	require.Len(t, plan.Extensions, 1)
	require.Equal(t, "good.ext", plan.Extensions[0].Record.Identity)
	require.Equal(t, []string{"evil.ext"}, plan.Purge)
	require.NotEmpty(t, plan.MaliciousRaw)
}

func TestResolveSpecifiedRetained(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := testutil.NewFakeUpstream(t)
	fake.Publish(testutil.Extension("pinned", "ext", "1.0.0"))

	store := testutil.Store(t)
	require.NoError(t, store.WriteJSON(storage.SpecifiedFile, map[string][]string{
		"extensions": {"pinned.ext", "gone.ext"},
	}))

	resolver := newResolver(t, fake, store)
	plan, err := resolver.Resolve(ctx, mirror.Mode{Extensions: true, Specified: true})
	require.NoError(t, err)
	// The stale allow list entry is skipped without failing the pass.
	require.Len(t, plan.Extensions, 1)
	require.Contains(t, plan.Retain, "pinned.ext")
}

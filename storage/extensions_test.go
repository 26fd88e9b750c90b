package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

func testRecord(identity string, versions ...string) *storage.ExtensionRecord {
	rec := &storage.ExtensionRecord{Identity: identity}
	rec.Name = "ext"
	rec.Publisher.PublisherName = "pub"
	for _, v := range versions {
		rec.Versions = append(rec.Versions, marketplace.ExtVersion{Version: v})
	}
	return rec
}

func TestSaveExtension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	rec := testRecord("pub.ext", "2.0.0", "1.0.0")
	require.NoError(t, store.SaveExtension(ctx, rec))

	t.Run("Latest", func(t *testing.T) {
		t.Parallel()

		got, err := store.LoadExtension(ctx, "pub.ext")
		require.NoError(t, err)
		require.Equal(t, "pub.ext", got.Identity)
		require.Len(t, got.Versions, 2)
	})

	t.Run("PerVersion", func(t *testing.T) {
		t.Parallel()

		got, err := store.LoadExtensionVersion(ctx, "pub.ext", "1.0.0")
		require.NoError(t, err)
		require.Len(t, got.Versions, 1)
		require.Equal(t, "1.0.0", got.Versions[0].Version)
	})

	t.Run("VersionDirs", func(t *testing.T) {
		t.Parallel()

		dirs, err := store.VersionDirs("pub.ext")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"1.0.0", "2.0.0"}, dirs)
	})
}

func TestWalkExtensions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.SaveExtension(ctx, testRecord("pub.one", "1.0.0")))
	require.NoError(t, store.SaveExtension(ctx, testRecord("pub.two", "1.0.0")))
	// A directory without latest.json is mid-write and must be skipped.
	w, err := store.OpenWrite("extensions/pub.partial/1.0.0/file", storage.Expect{})
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	seen := []string{}
	err = store.WalkExtensions(ctx, func(rec *storage.ExtensionRecord) error {
		seen = append(seen, rec.Identity)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pub.one", "pub.two"}, seen)
}

func TestWalkExtensionsEmpty(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	err := store.WalkExtensions(context.Background(), func(rec *storage.ExtensionRecord) error {
		t.Fatal("unexpected record")
		return nil
	})
	require.NoError(t, err)
}

func TestExtensionsIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	recs, err := store.ReadExtensionsIndex(ctx)
	require.NoError(t, err)
	require.Empty(t, recs)

	require.NoError(t, store.WriteExtensionsIndex(ctx, []*storage.ExtensionRecord{
		testRecord("pub.one", "1.0.0"),
	}))
	recs, err = store.ReadExtensionsIndex(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "pub.one", recs[0].Identity)
}

func TestSpecified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	// First read seeds the template.
	ids, err := store.ReadSpecified(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.True(t, store.Has(storage.SpecifiedFile, storage.Expect{}))

	require.NoError(t, store.WriteJSON(storage.SpecifiedFile, map[string][]string{
		"extensions": {"ms-python.python"},
	}))
	ids, err = store.ReadSpecified(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"ms-python.python"}, ids)
}

func TestMalicious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	ids, err := store.ReadMalicious(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	raw := json.RawMessage(`{"malicious":["evil.ext"],"extra":"kept verbatim"}`)
	require.NoError(t, store.SaveMalicious(ctx, raw))
	ids, err = store.ReadMalicious(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"evil.ext"}, ids)

	// The payload is mirrored byte for byte.
	p, err := store.Path(storage.MaliciousFile)
	require.NoError(t, err)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, []byte(raw), got)
}

func TestSignalUpdated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.SignalUpdated(ctx))
	var doc map[string]interface{}
	require.NoError(t, store.ReadJSON(storage.UpdatedFile, &doc))
	require.Contains(t, doc, "updated")
}

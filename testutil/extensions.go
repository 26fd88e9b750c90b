package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

// Logger returns a test logger that fails the test on Error level entries.
func Logger(t *testing.T) slog.Logger {
	return slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
}

// Store creates an artifact store rooted in a temp directory.
func Store(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(t.TempDir(), Logger(t))
	require.NoError(t, err)
	return store
}

// Extension builds a gallery extension fixture with the standard assets per
// version.  Versions are given newest first.
func Extension(publisher, name string, versions ...string) *marketplace.Extension {
	ext := &marketplace.Extension{
		ID:               publisher + "." + name,
		Name:             name,
		DisplayName:      name,
		ShortDescription: "The " + name + " extension",
		Publisher: marketplace.ExtPublisher{
			PublisherID:   publisher,
			PublisherName: publisher,
			DisplayName:   publisher,
		},
		Statistics: []marketplace.ExtStat{
			{StatisticName: "install", Value: 1000},
			{StatisticName: "averagerating", Value: 4.5},
		},
		Tags:        []string{"tag1", "tag2"},
		Categories:  []string{"Programming Languages"},
		LastUpdated: time.Now().UTC(),
	}
	for i, version := range versions {
		ext.Versions = append(ext.Versions, Version(version, "", time.Duration(len(versions)-i)*time.Hour))
	}
	return ext
}

// Version builds one version entry with the standard asset files.  The age
// offsets LastUpdated so timestamp ordering is deterministic.
func Version(version, targetPlatform string, age time.Duration) marketplace.ExtVersion {
	return marketplace.ExtVersion{
		Version:        version,
		TargetPlatform: targetPlatform,
		LastUpdated:    time.Now().UTC().Add(-age),
		Files: []marketplace.ExtFile{
			{Type: marketplace.VSIXAssetType},
			{Type: marketplace.ManifestAssetType},
		},
		Properties: []marketplace.ExtProperty{
			{Key: marketplace.EnginePropertyType, Value: "^1.57.0"},
		},
	}
}

// PreRelease marks a version entry as pre-release.
func PreRelease(ver marketplace.ExtVersion) marketplace.ExtVersion {
	ver.Properties = append(ver.Properties, marketplace.ExtProperty{
		Key: marketplace.PreReleasePropertyType, Value: "true",
	})
	return ver
}

// SeedExtension writes a complete extension into the store: assets for
// every version plus the published record.  The fixture then looks exactly
// like the output of a finished sync pass.
func SeedExtension(t *testing.T, store *storage.Store, ext *marketplace.Extension, recommended bool) *storage.ExtensionRecord {
	t.Helper()
	ctx := context.Background()
	rec := &storage.ExtensionRecord{
		Extension:   *ext,
		Identity:    ext.Identity(),
		Recommended: recommended,
	}
	for _, ver := range rec.Versions {
		for _, file := range ver.Files {
			relpath := storage.AssetPath(rec.Identity, ver.Version, ver.TargetPlatform, file.Type)
			w, err := store.OpenWrite(relpath, storage.Expect{})
			require.NoError(t, err)
			content := []byte("content of " + relpath)
			if file.Type == marketplace.ManifestAssetType {
				content = []byte(`{"name":"` + ext.Name + `"}`)
			}
			_, err = w.Write(content)
			require.NoError(t, err)
			require.NoError(t, w.Commit())
		}
	}
	require.NoError(t, store.SaveExtension(ctx, rec))
	return rec
}

// SeedRelease writes a binary release and its payload into the store.
func SeedRelease(t *testing.T, store *storage.Store, platform, quality, commit string, payload []byte) *marketplace.Release {
	t.Helper()
	rel := &marketplace.Release{
		URL:       "https://update.example.com/" + commit,
		Name:      "1.100.0",
		Version:   commit,
		Timestamp: time.Now().UnixMilli(),
		Platform:  platform,
		Quality:   quality,
		Filename:  commit + ".tar.gz",
	}
	w, err := store.OpenWrite(storage.BinaryPath(quality, platform, commit, rel.Filename), storage.Expect{})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.NoError(t, store.SaveRelease(context.Background(), rel))
	return rel
}

package database

import (
	"context"
	"net/url"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

// UpdateCheck resolves an editor update probe against the mirrored release
// track.  Returns the latest release with its download rewritten to this
// mirror, or nil when the client already runs the latest build.  A track
// that was never mirrored surfaces the underlying not-exist error.
func (db *MemDB) UpdateCheck(ctx context.Context, platform, quality, commit string, baseURL url.URL) (*marketplace.Release, error) {
	rel, err := db.store.LatestRelease(ctx, quality, platform)
	if err != nil {
		return nil, err
	}
	if rel.Commit() == commit {
		return nil, nil
	}
	if rel.Filename != "" {
		rel.URL = fileURL(baseURL, storage.BinaryPath(quality, platform, rel.Commit(), rel.Filename))
	}
	return rel, nil
}

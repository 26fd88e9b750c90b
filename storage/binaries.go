package storage

import (
	"context"
	"path"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
)

// ReleaseDir returns the store-relative directory for one (quality,
// platform) release track.
func ReleaseDir(quality, platform string) string {
	return path.Join(binariesDir, quality, platform)
}

// BinaryPath returns the store-relative path of a release payload.
func BinaryPath(quality, platform, commit, filename string) string {
	return path.Join(ReleaseDir(quality, platform), commit, filename)
}

// SaveRelease publishes a binary release: the per-commit record first, then
// latest.json.  The caller must have committed the payload beforehand.
func (s *Store) SaveRelease(ctx context.Context, rel *marketplace.Release) error {
	if rel.Quality == "" || rel.Platform == "" || rel.Commit() == "" {
		return xerrors.New("release is missing quality, platform, or commit")
	}
	dir := ReleaseDir(rel.Quality, rel.Platform)
	if err := s.WriteJSON(path.Join(dir, rel.Commit()+".json"), rel); err != nil {
		return xerrors.Errorf("write commit record: %w", err)
	}
	if err := s.WriteJSON(path.Join(dir, latestFile), rel); err != nil {
		return xerrors.Errorf("write latest record: %w", err)
	}
	return nil
}

// LatestRelease reads the newest published release for a track.
func (s *Store) LatestRelease(ctx context.Context, quality, platform string) (*marketplace.Release, error) {
	var rel marketplace.Release
	err := s.ReadJSON(path.Join(ReleaseDir(quality, platform), latestFile), &rel)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// ReleaseByCommit reads the record of a specific build.
func (s *Store) ReleaseByCommit(ctx context.Context, quality, platform, commit string) (*marketplace.Release, error) {
	var rel marketplace.Release
	err := s.ReadJSON(path.Join(ReleaseDir(quality, platform), commit+".json"), &rel)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// CommitDirs lists the commit directories of a release track.
func (s *Store) CommitDirs(quality, platform string) ([]string, error) {
	dir, err := s.Path(ReleaseDir(quality, platform))
	if err != nil {
		return nil, err
	}
	return dirNames(dir)
}

// WalkBinaries applies fn to the latest release of every (quality,
// platform) track on disk, skipping tracks without a readable latest.json.
func (s *Store) WalkBinaries(ctx context.Context, fn func(quality, platform string, rel *marketplace.Release) error) error {
	root, err := s.Path(binariesDir)
	if err != nil {
		return err
	}
	qualities, _ := dirNames(root)
	for _, quality := range qualities {
		platforms, _ := dirNames(path.Join(root, quality))
		for _, platform := range platforms {
			rel, err := s.LatestRelease(ctx, quality, platform)
			if err != nil {
				s.logger.Debug(ctx, "skipping release track without readable record",
					slog.F("quality", quality), slog.F("platform", platform), slog.Error(err))
				continue
			}
			if err := fn(quality, platform, rel); err != nil {
				return err
			}
		}
	}
	return nil
}

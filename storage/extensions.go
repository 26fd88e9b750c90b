package storage

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"time"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
)

const (
	binariesDir   = "binaries"
	extensionsDir = "extensions"
	latestFile    = "latest.json"
	versionFile   = "extension.json"

	// ExtensionsIndex is the flat list of all extension records.
	ExtensionsIndex = extensionsDir + "/extensions.json"
	// RecommendedIndex lists the identifiers of recommended extensions.
	RecommendedIndex = extensionsDir + "/recommended.json"
	// MaliciousFile mirrors the upstream malicious extension list.
	MaliciousFile = extensionsDir + "/malicious.json"
	// SpecifiedFile is the operator-supplied allow list.
	SpecifiedFile = "specified.json"
	// UpdatedFile is touched at the end of every sync pass.
	UpdatedFile = "updated.json"
)

// ExtensionRecord is the aggregate persisted per extension: the upstream
// gallery record plus mirror bookkeeping.  The version list is ordered
// newest first and only ever references versions whose assets are all on
// disk.
type ExtensionRecord struct {
	marketplace.Extension

	// Identity is the fully qualified `publisher.name`.
	Identity string `json:"identity"`
	// Recommended marks extensions pulled in by the recommendation set.
	Recommended bool `json:"recommended,omitempty"`
}

// ExtensionDir returns the store-relative directory of an extension.
func ExtensionDir(identity string) string {
	return path.Join(extensionsDir, identity)
}

// VersionDir returns the store-relative directory holding one version's
// assets.  Platform-specific builds live in a target platform subdirectory.
func VersionDir(identity, version, targetPlatform string) string {
	return path.Join(extensionsDir, identity, version, targetPlatform)
}

// AssetPath returns the store-relative path of a single asset file.
func AssetPath(identity, version, targetPlatform string, asset marketplace.AssetType) string {
	return path.Join(VersionDir(identity, version, targetPlatform), string(asset))
}

// SaveExtension publishes an extension record.  Version records are written
// first and latest.json is renamed into place last, so the record becomes
// visible only once everything it references exists.
func (s *Store) SaveExtension(ctx context.Context, rec *ExtensionRecord) error {
	byVersion := map[string][]marketplace.ExtVersion{}
	order := []string{}
	for _, v := range rec.Versions {
		if _, ok := byVersion[v.Version]; !ok {
			order = append(order, v.Version)
		}
		byVersion[v.Version] = append(byVersion[v.Version], v)
	}
	for _, ver := range order {
		verRec := *rec
		verRec.Versions = byVersion[ver]
		relpath := path.Join(extensionsDir, rec.Identity, ver, versionFile)
		if err := s.WriteJSON(relpath, &verRec); err != nil {
			return xerrors.Errorf("write version record for %s %s: %w", rec.Identity, ver, err)
		}
	}
	relpath := path.Join(ExtensionDir(rec.Identity), latestFile)
	if err := s.WriteJSON(relpath, rec); err != nil {
		return xerrors.Errorf("write latest record for %s: %w", rec.Identity, err)
	}
	return nil
}

// LoadExtension reads an extension's latest.json.
func (s *Store) LoadExtension(ctx context.Context, identity string) (*ExtensionRecord, error) {
	var rec ExtensionRecord
	err := s.ReadJSON(path.Join(ExtensionDir(identity), latestFile), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadExtensionVersion reads the record written alongside one version's
// assets.  Used to pick up versions kept by retention that are no longer in
// latest.json.
func (s *Store) LoadExtensionVersion(ctx context.Context, identity, version string) (*ExtensionRecord, error) {
	var rec ExtensionRecord
	err := s.ReadJSON(path.Join(extensionsDir, identity, version, versionFile), &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// VersionDirs lists the version directories of an extension in directory
// order.  Partial results are returned on error.
func (s *Store) VersionDirs(identity string) ([]string, error) {
	dir, err := s.Path(ExtensionDir(identity))
	if err != nil {
		return nil, err
	}
	return dirNames(dir)
}

// WalkExtensions applies fn to every extension that has a readable
// latest.json.  Entries mid-write (no latest.json yet, or being replaced)
// are skipped, which is what lets a reader iterate while a sync pass is
// mutating the tree.
func (s *Store) WalkExtensions(ctx context.Context, fn func(rec *ExtensionRecord) error) error {
	dir, err := s.Path(extensionsDir)
	if err != nil {
		return err
	}
	names, err := dirNames(dir)
	if err != nil && len(names) == 0 {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		rec, err := s.LoadExtension(ctx, name)
		if err != nil {
			s.logger.Debug(ctx, "skipping extension without readable record",
				slog.F("extension", name), slog.Error(err))
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// RemoveExtension deletes an extension's whole directory.
func (s *Store) RemoveExtension(identity string) error {
	return s.Remove(ExtensionDir(identity))
}

// RemoveExtensionVersion deletes a single version directory.
func (s *Store) RemoveExtensionVersion(identity, version string) error {
	return s.Remove(path.Join(extensionsDir, identity, version))
}

// WriteExtensionsIndex atomically rewrites the flat record list.
func (s *Store) WriteExtensionsIndex(ctx context.Context, recs []*ExtensionRecord) error {
	return s.WriteJSON(ExtensionsIndex, recs)
}

// ReadExtensionsIndex loads the flat record list.
func (s *Store) ReadExtensionsIndex(ctx context.Context) ([]*ExtensionRecord, error) {
	recs := []*ExtensionRecord{}
	err := s.ReadJSON(ExtensionsIndex, &recs)
	if os.IsNotExist(err) {
		return []*ExtensionRecord{}, nil
	}
	return recs, err
}

// WriteRecommendedIndex atomically rewrites the recommended identifier list.
func (s *Store) WriteRecommendedIndex(ctx context.Context, ids []string) error {
	return s.WriteJSON(RecommendedIndex, map[string][]string{"recommendations": ids})
}

// SaveMalicious persists the upstream deny list verbatim.
func (s *Store) SaveMalicious(ctx context.Context, raw json.RawMessage) error {
	w, err := s.OpenWrite(MaliciousFile, Expect{})
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// ReadMalicious returns the deny-listed identifiers, or none if the list
// has not been synced.
func (s *Store) ReadMalicious(ctx context.Context) ([]string, error) {
	var list struct {
		Malicious []string `json:"malicious"`
	}
	err := s.ReadJSON(MaliciousFile, &list)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return list.Malicious, nil
}

// ReadSpecified returns the operator allow list.  A missing file is seeded
// with an empty template so operators can find where to put it.
func (s *Store) ReadSpecified(ctx context.Context) ([]string, error) {
	var list struct {
		Extensions []string `json:"extensions"`
	}
	err := s.ReadJSON(SpecifiedFile, &list)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info(ctx, "creating empty allow list", slog.F("path", SpecifiedFile))
			return nil, s.WriteJSON(SpecifiedFile, map[string][]string{"extensions": {}})
		}
		return nil, err
	}
	return list.Extensions, nil
}

// SignalUpdated marks the end of a sync pass.  The gallery watches this
// file to rebuild its in-memory index.
func (s *Store) SignalUpdated(ctx context.Context) error {
	return s.WriteJSON(UpdatedFile, map[string]time.Time{"updated": time.Now().UTC()})
}

// UpdatedPath returns the absolute path of the signal file for watchers.
func (s *Store) UpdatedPath() string {
	p, _ := s.Path(UpdatedFile)
	return p
}

package marketplace

import (
	"strings"
	"time"
)

// API references:
// https://github.com/microsoft/vscode/blob/main/src/vs/platform/extensionManagement/common/extensionManagement.ts
// https://github.com/microsoft/vscode/blob/32095ba21fc83f38506d5550f9cb4ed0de233447/src/vs/platform/extensionManagement/common/extensionGalleryService.ts

// AssetType addresses a single file belonging to an extension version.
type AssetType string

const (
	VSIXAssetType      AssetType = "Microsoft.VisualStudio.Services.VSIXPackage"
	ManifestAssetType  AssetType = "Microsoft.VisualStudio.Code.Manifest"
	IconAssetType      AssetType = "Microsoft.VisualStudio.Services.Icons.Default"
	DetailsAssetType   AssetType = "Microsoft.VisualStudio.Services.Content.Details"
	ChangelogAssetType AssetType = "Microsoft.VisualStudio.Services.Content.Changelog"
	LicenseAssetType   AssetType = "Microsoft.VisualStudio.Services.Content.License"
	SignatureAssetType AssetType = "Microsoft.VisualStudio.Services.VsixSignature"
)

type PropertyType string

const (
	DependencyPropertyType PropertyType = "Microsoft.VisualStudio.Code.ExtensionDependencies"
	PackPropertyType       PropertyType = "Microsoft.VisualStudio.Code.ExtensionPack"
	EnginePropertyType     PropertyType = "Microsoft.VisualStudio.Code.Engine"
	PreReleasePropertyType PropertyType = "Microsoft.VisualStudio.Code.PreRelease"
)

// Extension implements IRawGalleryExtension.  This represents a single
// available extension along with its available versions.  The same shape is
// persisted per extension in the artifact store so the gallery can re-serve
// exactly what upstream provided.
// https://github.com/microsoft/vscode/blob/29234f0219bdbf649d6107b18651a1038d6357ac/src/vs/platform/extensionManagement/common/extensionGalleryService.ts#L65-L79
type Extension struct {
	ID               string       `json:"extensionId,omitempty"`
	Name             string       `json:"extensionName"`
	DisplayName      string       `json:"displayName,omitempty"`
	ShortDescription string       `json:"shortDescription,omitempty"`
	Publisher        ExtPublisher `json:"publisher"`
	Versions         []ExtVersion `json:"versions"`
	Statistics       []ExtStat    `json:"statistics,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
	ReleaseDate      time.Time    `json:"releaseDate,omitempty"`
	PublishedDate    time.Time    `json:"publishedDate,omitempty"`
	LastUpdated      time.Time    `json:"lastUpdated,omitempty"`
	Categories       []string     `json:"categories,omitempty"`
	Flags            string       `json:"flags,omitempty"`
	DeploymentType   int          `json:"deploymentType,omitempty"`
}

// ExtPublisher implements IRawGalleryExtensionPublisher.
type ExtPublisher struct {
	DisplayName    string `json:"displayName"`
	PublisherID    string `json:"publisherId,omitempty"`
	PublisherName  string `json:"publisherName"`
	Domain         string `json:"domain,omitempty"`
	DomainVerified bool   `json:"isDomainVerified,omitempty"`
}

// ExtVersion implements IRawGalleryExtensionVersion.
type ExtVersion struct {
	Version          string        `json:"version"`
	TargetPlatform   string        `json:"targetPlatform,omitempty"`
	Flags            string        `json:"flags,omitempty"`
	LastUpdated      time.Time     `json:"lastUpdated"`
	AssetURI         string        `json:"assetUri,omitempty"`
	FallbackAssetURI string        `json:"fallbackAssetUri,omitempty"`
	Files            []ExtFile     `json:"files,omitempty"`
	Properties       []ExtProperty `json:"properties,omitempty"`
}

// ExtFile implements IRawGalleryExtensionFile.  Size and SHA256 are not
// part of the upstream shape; they are recorded when the asset is committed
// so later passes can verify the copy on disk.
type ExtFile struct {
	Type   AssetType `json:"assetType"`
	Source string    `json:"source"`
	Size   int64     `json:"size,omitempty"`
	SHA256 string    `json:"sha256hash,omitempty"`
}

// ExtProperty implements IRawGalleryExtensionProperty.
type ExtProperty struct {
	Key   PropertyType `json:"key"`
	Value string       `json:"value"`
}

// ExtStat implements IRawGalleryExtensionStatistics.
type ExtStat struct {
	StatisticName string  `json:"statisticName"`
	Value         float64 `json:"value"`
}

// Identity returns the fully qualified `publisher.name` identifier with
// upstream casing preserved.
func (e *Extension) Identity() string {
	return e.Publisher.PublisherName + "." + e.Name
}

// Stat returns the named statistic or zero if upstream did not provide it.
func (e *Extension) Stat(name string) float64 {
	for _, s := range e.Statistics {
		if s.StatisticName == name {
			return s.Value
		}
	}
	return 0
}

func (e *Extension) InstallCount() float64   { return e.Stat("install") }
func (e *Extension) AverageRating() float64  { return e.Stat("averagerating") }
func (e *Extension) WeightedRating() float64 { return e.Stat("weightedRating") }

// IsPreRelease reports whether the publisher flagged this version as not
// intended for default installation.
func (v ExtVersion) IsPreRelease() bool {
	return v.Property(PreReleasePropertyType) == "true"
}

// Property returns the value of the named version property, or empty.
func (v ExtVersion) Property(key PropertyType) string {
	for _, p := range v.Properties {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// File returns the file entry of the given asset type, if present.
func (v ExtVersion) File(t AssetType) (ExtFile, bool) {
	for _, f := range v.Files {
		if f.Type == t {
			return f, true
		}
	}
	return ExtFile{}, false
}

// HasFlag reports whether the comma-separated gallery flag string contains
// the given flag, case-insensitively.
func HasFlag(flags, flag string) bool {
	for _, f := range strings.Split(flags, ",") {
		if strings.EqualFold(strings.TrimSpace(f), flag) {
			return true
		}
	}
	return false
}

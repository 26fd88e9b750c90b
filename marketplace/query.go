package marketplace

// SortBy implements SortBy.
// https://github.com/microsoft/vscode/blob/main/src/vs/platform/extensionManagement/common/extensionManagement.ts#L254-L263
type SortBy int

const (
	NoneOrRelevance SortBy = 0
	LastUpdatedDate SortBy = 1
	Title           SortBy = 2
	PublisherName   SortBy = 3
	InstallCount    SortBy = 4
	PublishedDate   SortBy = 5
	AverageRating   SortBy = 6
	WeightedRating  SortBy = 12
)

// SortOrder implements SortOrder.
type SortOrder int

const (
	Default    SortOrder = 0
	Ascending  SortOrder = 1
	Descending SortOrder = 2
)

// FilterType implements FilterType.
// https://github.com/microsoft/vscode/blob/a69f95fdf3dc27511517eef5ff62b21c7a418015/src/vs/platform/extensionManagement/common/extensionGalleryService.ts#L178-L187
type FilterType int

const (
	Tag              FilterType = 1
	ExtensionID      FilterType = 4
	Category         FilterType = 5
	ExtensionName    FilterType = 7
	Target           FilterType = 8
	Featured         FilterType = 9
	SearchText       FilterType = 10
	ExcludeWithFlags FilterType = 12
)

// Criteria implements ICriterium.  The criteria is an OR, not AND except for
// Target.  Any extension that matches any of the criteria (plus Target if
// included) is included in the result.
type Criteria struct {
	Type  FilterType `json:"filterType"`
	Value string     `json:"value"`
}

// Flag implements Flags.  The bitset gates which sub-objects are populated
// on the returned records.  Unknown bits are ignored.
// https://github.com/microsoft/vscode/blob/a69f95fdf3dc27511517eef5ff62b21c7a418015/src/vs/platform/extensionManagement/common/extensionGalleryService.ts#L94-L172
type Flag int

const (
	None                       Flag = 0x0
	IncludeVersions            Flag = 0x1
	IncludeFiles               Flag = 0x2
	IncludeCategoryAndTags     Flag = 0x4
	IncludeSharedAccounts      Flag = 0x8
	IncludeVersionProperties   Flag = 0x10
	ExcludeNonValidated        Flag = 0x20
	IncludeInstallationTargets Flag = 0x40
	IncludeAssetURI            Flag = 0x80
	IncludeStatistics          Flag = 0x100
	IncludeLatestVersionOnly   Flag = 0x200
	Unpublished                Flag = 0x1000
)

// VSCodeTarget is the installation target the editor sends with every query.
const VSCodeTarget = "Microsoft.VisualStudio.Code"

// Filter implements an untyped object.
type Filter struct {
	Criteria   []Criteria `json:"criteria"`
	PageNumber int        `json:"pageNumber"`
	PageSize   int        `json:"pageSize"`
	SortBy     SortBy     `json:"sortBy"`
	SortOrder  SortOrder  `json:"sortOrder"`
}

// QueryRequest is the payload posted to the extension query endpoint, both
// by the editor against this gallery and by the synchronizer against the
// upstream marketplace.
type QueryRequest struct {
	AssetTypes []string `json:"assetTypes"`
	Filters    []Filter `json:"filters"`
	Flags      Flag     `json:"flags"`
}

// QueryResponse implements IRawGalleryQueryResult.
type QueryResponse struct {
	Results []QueryResult `json:"results"`
}

type QueryResult struct {
	Extensions  []*Extension     `json:"extensions"`
	PagingToken *string          `json:"pagingToken"`
	Metadata    []ResultMetadata `json:"resultMetadata"`
}

type ResultMetadata struct {
	Type  string               `json:"metadataType"`
	Items []ResultMetadataItem `json:"metadataItems"`
}

type ResultMetadataItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TotalCount extracts the ResultCount/TotalCount metadata from a result, or
// -1 if upstream did not include it.
func (r QueryResult) TotalCount() int {
	for _, md := range r.Metadata {
		if md.Type != "ResultCount" {
			continue
		}
		for _, item := range md.Items {
			if item.Name == "TotalCount" {
				return item.Count
			}
		}
	}
	return -1
}

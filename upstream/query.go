package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
)

// Query flag sets the editor uses; queries for release candidates include
// the full version list so pre-release filtering can pick from it.
const (
	defaultQueryFlags = marketplace.IncludeFiles |
		marketplace.IncludeVersionProperties |
		marketplace.IncludeAssetURI |
		marketplace.IncludeStatistics |
		marketplace.IncludeLatestVersionOnly

	releaseQueryFlags = marketplace.IncludeFiles |
		marketplace.IncludeVersionProperties |
		marketplace.IncludeAssetURI |
		marketplace.IncludeStatistics |
		marketplace.IncludeVersions
)

const defaultPageSize = 500

// QueryPage posts one extension query and returns the typed result page.
func (c *Client) QueryPage(ctx context.Context, req marketplace.QueryRequest) (*marketplace.QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json;api-version=3.0-preview.1")
	header.Set("X-Market-Client-Id", c.userAgent())
	header.Set("X-Market-User-Id", c.userID)

	resp, err := c.do(ctx, http.MethodPost, c.opts.MarketplaceURL, body, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{Code: resp.StatusCode, URL: c.opts.MarketplaceURL}
	}

	var page marketplace.QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, xerrors.Errorf("decode query page: %w", err)
	}
	return &page, nil
}

// QueryOptions shape one paged marketplace query.
type QueryOptions struct {
	FilterType  marketplace.FilterType
	FilterValue string
	Flags       marketplace.Flag
	SortBy      marketplace.SortBy
	SortOrder   marketplace.SortOrder
	// Limit stops paging after this many extensions; zero walks every page.
	Limit int
}

func buildQuery(opts QueryOptions, page, size int) marketplace.QueryRequest {
	flags := opts.Flags
	if flags == marketplace.None {
		flags = defaultQueryFlags
	}
	criteria := []marketplace.Criteria{
		{Type: marketplace.Target, Value: marketplace.VSCodeTarget},
		{Type: marketplace.ExcludeWithFlags, Value: strconv.Itoa(int(marketplace.Unpublished))},
	}
	if opts.FilterValue != "" {
		criteria = append(criteria, marketplace.Criteria{Type: opts.FilterType, Value: opts.FilterValue})
	}
	return marketplace.QueryRequest{
		AssetTypes: []string{},
		Filters: []marketplace.Filter{{
			Criteria:   criteria,
			PageNumber: page,
			PageSize:   size,
			SortBy:     opts.SortBy,
			SortOrder:  opts.SortOrder,
		}},
		Flags: flags,
	}
}

// Query walks marketplace result pages until the reported total (or the
// limit) is reached.  Duplicate identities across pages collapse to the
// last occurrence; order of first appearance is preserved.
func (c *Client) Query(ctx context.Context, opts QueryOptions) ([]*marketplace.Extension, error) {
	size := defaultPageSize
	if opts.Limit > 0 && opts.Limit < size {
		size = opts.Limit
	}

	seen := map[string]int{}
	ordered := []*marketplace.Extension{}
	total := 0
	count := 0
	page := 0
	for count <= total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page++
		result, err := c.QueryPage(ctx, buildQuery(opts, page, size))
		if err != nil {
			return nil, xerrors.Errorf("query page %d: %w", page, err)
		}
		count += size

		got := 0
		for _, res := range result.Results {
			for _, ext := range res.Extensions {
				got++
				identity := ext.Identity()
				if at, ok := seen[identity]; ok {
					ordered[at] = ext
					continue
				}
				seen[identity] = len(ordered)
				ordered = append(ordered, ext)
			}
			if t := res.TotalCount(); t >= 0 {
				total = t
			}
		}
		if got == 0 {
			break
		}
		if opts.Limit > 0 && count >= opts.Limit {
			break
		}
	}
	if opts.Limit > 0 && len(ordered) > opts.Limit {
		ordered = ordered[:opts.Limit]
	}
	return ordered, nil
}

// ExtensionByName looks up a single extension by its exact
// `publisher.name` identifier.  When pre-release versions are not wanted
// the version list is reduced to the newest release version's builds.
// Returns nil when the extension does not exist upstream.
func (c *Client) ExtensionByName(ctx context.Context, identity string, includePreRelease bool) (*marketplace.Extension, error) {
	flags := defaultQueryFlags
	if !includePreRelease {
		flags = releaseQueryFlags
	}
	results, err := c.Query(ctx, QueryOptions{
		FilterType:  marketplace.ExtensionName,
		FilterValue: identity,
		Flags:       flags,
	})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, nil
	}
	ext := results[0]
	if !includePreRelease {
		ext.Versions = marketplace.LatestReleaseVersions(ext.Versions)
		if len(ext.Versions) == 0 {
			return nil, nil
		}
	}
	return ext, nil
}

// ExtensionByID looks up an extension by its upstream GUID with the full
// version list included.
func (c *Client) ExtensionByID(ctx context.Context, id string) (*marketplace.Extension, error) {
	results, err := c.Query(ctx, QueryOptions{
		FilterType:  marketplace.ExtensionID,
		FilterValue: id,
		Flags:       releaseQueryFlags,
	})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, nil
	}
	return results[0], nil
}

// SearchByText runs a free-text marketplace search.  "*" means everything.
func (c *Client) SearchByText(ctx context.Context, text string) ([]*marketplace.Extension, error) {
	if text == "*" {
		text = ""
	}
	return c.Query(ctx, QueryOptions{
		FilterType:  marketplace.SearchText,
		FilterValue: text,
	})
}

// TopByInstalls returns the n most installed extensions.
func (c *Client) TopByInstalls(ctx context.Context, n int) ([]*marketplace.Extension, error) {
	c.logger.Debug(ctx, "querying top extensions by install count", slog.F("limit", n))
	return c.Query(ctx, QueryOptions{
		FilterType: marketplace.SearchText,
		SortBy:     marketplace.InstallCount,
		SortOrder:  marketplace.Descending,
		Limit:      n,
	})
}

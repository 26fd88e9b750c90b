package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/api/httpapi"
	"github.com/coder/code-mirror/api/httpmw"
	"github.com/coder/code-mirror/database"
	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/storage"
)

const MaxPageSizeDefault int = 200

// QueryResponse implements IRawGalleryQueryResult.  This is the response
// sent to extension queries.
// https://github.com/microsoft/vscode/blob/29234f0219bdbf649d6107b18651a1038d6357ac/src/vs/platform/extensionManagement/common/extensionGalleryService.ts#L81-L92
type QueryResponse struct {
	Results []QueryResult `json:"results"`
}

// QueryResult implements IRawGalleryQueryResult.results.
type QueryResult struct {
	Extensions []*marketplace.Extension     `json:"extensions"`
	Metadata   []marketplace.ResultMetadata `json:"resultMetadata"`
}

type Options struct {
	Database *database.MemDB
	Store    *storage.Store
	Logger   slog.Logger
	// Set to <0 to disable.
	RateLimit   int
	MaxPageSize int
}

type API struct {
	Database    *database.MemDB
	Store       *storage.Store
	Handler     http.Handler
	Logger      slog.Logger
	MaxPageSize int
}

// New creates a new API server.
func New(options *Options) *API {
	if options.RateLimit == 0 {
		options.RateLimit = 512
	}
	if options.MaxPageSize == 0 {
		options.MaxPageSize = MaxPageSizeDefault
	}

	r := chi.NewRouter()
	r.Use(
		httpmw.Cors(),
		httpmw.RateLimitPerMinute(options.RateLimit),
		middleware.GetHead,
		httpmw.AttachRequestID,
		httpmw.Recover(options.Logger),
		httpmw.AttachBuildInfo,
		httpmw.Logger(options.Logger),
	)

	api := &API{
		Database:    options.Database,
		Store:       options.Store,
		Handler:     r,
		Logger:      options.Logger,
		MaxPageSize: options.MaxPageSize,
	}

	r.Get("/", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("Mirror is running"))
	})
	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("API server running"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// The editor derives the query URL from the service URL, so the bare,
	// the plain, and the Azure DevOps style paths all need to work.
	r.Post("/extensionquery", api.extensionQuery)
	r.Post("/api/extensionquery", api.extensionQuery)
	r.Post("/_apis/public/gallery/extensionquery", api.extensionQuery)

	// Raw access to everything mirrored, binary payloads included.  The
	// file server handles range requests for delta-capable installers.
	r.Mount("/files", http.StripPrefix("/files", options.Store.FileServer()))

	// VS Code sometimes ignores the asset sources in the query response and
	// requests /assets with hardcoded types instead.
	r.Get("/assets/{publisher}/{extension}/{version}/{type}", api.asset)

	// The "download manually" URL.  VS Code appends to the service URL so
	// the path it actually uses is /api/publishers; the bare variant is
	// kept for direct links.
	r.Get("/publishers/{publisher}/vsextensions/{extension}/{version}/{type}", api.asset)
	r.Get("/api/publishers/{publisher}/vsextensions/{extension}/{version}/{type}", api.asset)

	// Update checks from the editor and its CLI.
	r.Get("/api/update/{platform}/{quality}/{commit}", api.updateCheck)

	// Direct build downloads by commit, the way the upstream download
	// endpoint addresses them.
	r.Get("/commit:{commit}/{platform}/{quality}", api.commitDownload)

	// Extension pages are not served, but the links exist in the UI.
	r.Get("/item", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("Extension pages are not supported"))
	})

	// Stat sinks.  Web and non-web extensions post to different endpoints;
	// both are accepted and dropped so the editor does not log errors.
	r.Post("/api/itemName/{publisher}.{name}/version/{version}/statType/{type}/vscodewebextension", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("Extension stats are not collected"))
	})
	r.Post("/api/publishers/{publisher}/extensions/{name}/{version}/stats", func(rw http.ResponseWriter, r *http.Request) {
		httpapi.WriteBytes(rw, http.StatusOK, []byte("Extension stats are not collected"))
	})

	return api
}

func (api *API) extensionQuery(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// ContentLength is unreliable for chunked bodies, so decode whatever is
	// there and treat an empty body as an empty query.
	var query marketplace.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil && !errors.Is(err, io.EOF) {
		httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
			Message:   "Unable to read query",
			Detail:    "Check that the posted data is valid JSON",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	if len(query.Filters) == 0 {
		query.Filters = append(query.Filters, marketplace.Filter{})
	} else if len(query.Filters) > 1 {
		// VS Code always seems to use one filter.
		httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
			Message:   "Too many filters",
			Detail:    "Check that you only have one filter",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	for _, filter := range query.Filters {
		if filter.PageSize < 0 || filter.PageSize > api.MaxPageSize {
			httpapi.Write(rw, http.StatusBadRequest, httpapi.ErrorResponse{
				Message:   "The page size must be between 0 and " + strconv.Itoa(api.MaxPageSize),
				Detail:    "Contact an administrator to increase the page size",
				RequestID: httpmw.RequestID(r),
			})
			return
		}
	}

	baseURL := httpapi.RequestBaseURL(r, "/")

	// Each filter gets its own entry in the results.
	results := []QueryResult{}
	for _, filter := range query.Filters {
		extensions, count, err := api.Database.GetExtensions(ctx, filter, query.Flags, baseURL)
		if err != nil {
			api.Logger.Error(ctx, "Unable to execute query", slog.Error(err))
			httpapi.Write(rw, http.StatusInternalServerError, httpapi.ErrorResponse{
				Message:   "Internal server error while executing query",
				Detail:    "Contact an administrator with the request ID",
				RequestID: httpmw.RequestID(r),
			})
			return
		}

		api.Logger.Debug(ctx, "got extensions for filter",
			slog.F("filter", filter),
			slog.F("count", count))

		results = append(results, QueryResult{
			Extensions: extensions,
			Metadata: []marketplace.ResultMetadata{{
				Type: "ResultCount",
				Items: []marketplace.ResultMetadataItem{{
					Count: count,
					Name:  "TotalCount",
				}},
			}},
		})
	}

	httpapi.Write(rw, http.StatusOK, QueryResponse{Results: results})
}

func (api *API) asset(rw http.ResponseWriter, r *http.Request) {
	assetType := marketplace.AssetType(chi.URLParam(r, "type"))
	if assetType == "vspackage" {
		assetType = marketplace.VSIXAssetType
	}
	asset := &database.Asset{
		Publisher:      chi.URLParam(r, "publisher"),
		Extension:      chi.URLParam(r, "extension"),
		Version:        chi.URLParam(r, "version"),
		TargetPlatform: r.URL.Query().Get("targetPlatform"),
		Type:           assetType,
	}

	file, err := api.Database.AssetPath(r.Context(), asset)
	if err != nil && os.IsNotExist(err) {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Extension asset does not exist",
			Detail:    "Please check the asset path",
			RequestID: httpmw.RequestID(r),
		})
		return
	} else if err != nil {
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.ErrorResponse{
			Message:   "Unable to read extension",
			Detail:    "Contact an administrator with the request ID",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	if assetType == marketplace.VSIXAssetType {
		rw.Header().Set("Content-Disposition",
			`attachment; filename="`+asset.Publisher+"."+asset.Extension+"-"+asset.Version+`.vsix"`)
	}
	http.ServeFile(rw, r, file)
}

func (api *API) updateCheck(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	platform := chi.URLParam(r, "platform")
	quality := chi.URLParam(r, "quality")
	commit := chi.URLParam(r, "commit")

	baseURL := httpapi.RequestBaseURL(r, "/")
	rel, err := api.Database.UpdateCheck(ctx, platform, quality, commit, baseURL)
	if err != nil && os.IsNotExist(err) {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "No builds mirrored for this platform and quality",
			Detail:    "Check the platform identity and the synchronizer configuration",
			RequestID: httpmw.RequestID(r),
		})
		return
	} else if err != nil {
		api.Logger.Error(ctx, "Unable to read release record", slog.Error(err))
		httpapi.Write(rw, http.StatusInternalServerError, httpapi.ErrorResponse{
			Message:   "Unable to read release record",
			Detail:    "Contact an administrator with the request ID",
			RequestID: httpmw.RequestID(r),
		})
		return
	}
	if rel == nil {
		// Already on the latest build.
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	httpapi.Write(rw, http.StatusOK, rel)
}

func (api *API) commitDownload(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	platform := chi.URLParam(r, "platform")
	quality := chi.URLParam(r, "quality")
	commit := chi.URLParam(r, "commit")

	rel, err := api.Store.ReleaseByCommit(ctx, quality, platform, commit)
	if err != nil || rel.Filename == "" {
		httpapi.Write(rw, http.StatusNotFound, httpapi.ErrorResponse{
			Message:   "Build is not mirrored",
			Detail:    "Please check the commit, platform, and quality",
			RequestID: httpmw.RequestID(r),
		})
		return
	}

	baseURL := httpapi.RequestBaseURL(r, "/")
	baseURL.Path = path.Join(baseURL.Path, "files",
		storage.BinaryPath(quality, platform, rel.Commit(), rel.Filename))
	http.Redirect(rw, r, baseURL.String(), http.StatusFound)
}

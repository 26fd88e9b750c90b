package testutil

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/upstream"
)

// FakeUpstream stands in for the update endpoint, the marketplace query
// API, and the CDN lists.  Fixtures are registered up front; the handler
// serves them the way the real services do, including query paging.
type FakeUpstream struct {
	mu sync.Mutex

	extensions      []*marketplace.Extension
	releases        map[string]*marketplace.Release
	recommendations []string
	malicious       []string
	files           map[string][]byte

	// QueryPages counts extensionquery requests for paging assertions.
	QueryPages int

	srv *httptest.Server
}

func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	f := &FakeUpstream{
		releases: map[string]*marketplace.Release{},
		files:    map[string][]byte{},
	}

	r := chi.NewRouter()
	r.Post("/_apis/public/gallery/extensionquery", f.handleQuery)
	r.Get("/api/update/{platform}/{quality}/{commit}", f.handleUpdate)
	r.Get("/extensions/workspaceRecommendations.json.gz", f.handleRecommendations)
	r.Get("/extensions/marketplace.json", f.handleMalicious)
	r.Get("/files/*", f.handleFile)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *FakeUpstream) URL() string {
	return f.srv.URL
}

// Client builds an upstream client pointed at the fake with retries kept
// short so failure tests stay fast.
func (f *FakeUpstream) Client(logger slog.Logger) *upstream.Client {
	return upstream.New(upstream.Options{
		UpdateURL:      f.srv.URL,
		MarketplaceURL: f.srv.URL + "/_apis/public/gallery/extensionquery",
		CDNURL:         f.srv.URL,
		RetryMax:       1,
		RetryWaitMin:   time.Millisecond,
		RetryWaitMax:   5 * time.Millisecond,
		Logger:         logger,
	})
}

// ServeFile registers raw content and returns its full URL.
func (f *FakeUpstream) ServeFile(path string, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return f.srv.URL + "/files/" + path
}

// Publish registers an extension.  Versions with empty file sources get
// deterministic content hosted by the fake.
func (f *FakeUpstream) Publish(ext *marketplace.Extension) {
	for vi := range ext.Versions {
		ver := &ext.Versions[vi]
		for fi := range ver.Files {
			file := &ver.Files[fi]
			if file.Source != "" {
				continue
			}
			path := path.Join(ext.Identity(), ver.Version, ver.TargetPlatform, string(file.Type))
			content := []byte("content of " + path)
			if file.Type == marketplace.ManifestAssetType {
				content = []byte(`{"name":"` + ext.Name + `"}`)
			}
			file.Source = f.ServeFile(path, content)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extensions = append(f.extensions, ext)
}

// PublishManifest replaces the manifest content of a published version, for
// extension pack fixtures.
func (f *FakeUpstream) PublishManifest(ext *marketplace.Extension, version string, manifest interface{}) {
	content, _ := json.Marshal(manifest)
	f.ServeFile(path.Join(ext.Identity(), version, string(marketplace.ManifestAssetType)), content)
}

// AddRelease registers a build for a (platform, quality) track and hosts
// its payload.
func (f *FakeUpstream) AddRelease(platform, quality, commit string, payload []byte) *marketplace.Release {
	sum := sha256.Sum256(payload)
	url := f.ServeFile("builds/"+platform+"/"+quality+"/"+commit+".tar.gz", payload)
	rel := &marketplace.Release{
		URL:        url,
		Name:       "1.100.0",
		Version:    commit,
		SHA256Hash: hex.EncodeToString(sum[:]),
		Timestamp:  time.Now().UnixMilli(),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases[platform+"/"+quality] = rel
	return rel
}

func (f *FakeUpstream) SetRecommendations(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recommendations = ids
}

func (f *FakeUpstream) SetMalicious(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.malicious = ids
}

func (f *FakeUpstream) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chi.URLParam(r, "platform") + "/" + chi.URLParam(r, "quality")
	rel, ok := f.releases[key]
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	if chi.URLParam(r, "commit") == rel.Version {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(rel)
}

func (f *FakeUpstream) handleQuery(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryPages++

	var query marketplace.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil || len(query.Filters) != 1 {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	filter := query.Filters[0]

	matched := []*marketplace.Extension{}
	for _, ext := range f.extensions {
		if matchesCriteria(ext, filter.Criteria) {
			matched = append(matched, ext)
		}
	}
	if filter.SortBy == marketplace.InstallCount {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].InstallCount() > matched[j].InstallCount()
		})
	}

	total := len(matched)
	page := filter.PageNumber
	if page <= 0 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 50
	}
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(marketplace.QueryResponse{
		Results: []marketplace.QueryResult{{
			Extensions: matched[start:end],
			Metadata: []marketplace.ResultMetadata{{
				Type: "ResultCount",
				Items: []marketplace.ResultMetadataItem{{
					Name:  "TotalCount",
					Count: total,
				}},
			}},
		}},
	})
}

func matchesCriteria(ext *marketplace.Extension, criteria []marketplace.Criteria) bool {
	matched := false
	tried := false
	for _, c := range criteria {
		switch c.Type {
		case marketplace.Target, marketplace.ExcludeWithFlags:
		case marketplace.ExtensionName:
			tried = true
			matched = matched || strings.EqualFold(ext.Identity(), c.Value)
		case marketplace.ExtensionID:
			tried = true
			matched = matched || strings.EqualFold(ext.ID, c.Value)
		case marketplace.SearchText:
			tried = true
			text := strings.ToLower(c.Value)
			matched = matched || text == "" ||
				strings.Contains(strings.ToLower(ext.Name), text) ||
				strings.Contains(strings.ToLower(ext.DisplayName), text) ||
				strings.Contains(strings.ToLower(ext.ShortDescription), text)
		default:
			tried = true
		}
	}
	return matched || !tried
}

func (f *FakeUpstream) handleRecommendations(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gz := gzip.NewWriter(rw)
	_ = json.NewEncoder(gz).Encode(map[string]interface{}{
		"workspaceRecommendations": []map[string]interface{}{
			{"name": "fixture", "recommendations": f.recommendations},
		},
	})
	_ = gz.Close()
}

func (f *FakeUpstream) handleMalicious(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string][]string{"malicious": f.malicious})
}

func (f *FakeUpstream) handleFile(rw http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	content, ok := f.files[chi.URLParam(r, "*")]
	f.mu.Unlock()
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	rw.Header().Set("Content-Length", fmt.Sprint(len(content)))
	_, _ = rw.Write(content)
}

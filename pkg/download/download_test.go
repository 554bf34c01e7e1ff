// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/crystal-archiver/crystal/pkg/project"
)

func TestMain(m *testing.M) {
	// klog's flush daemon runs for the process lifetime
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

// fakePage scripts one origin URL for the fake fetcher.
type fakePage struct {
	status      int
	contentType string
	body        string
	location    string
}

// fakeFetcher serves scripted pages keyed by URL path and records the
// order of requested paths.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]fakePage
	requested []string
}

var _ Fetcher = (*fakeFetcher)(nil)

func newFakeFetcher(pages map[string]fakePage) *fakeFetcher {
	return &fakeFetcher{pages: pages}
}

func (f *fakeFetcher) Fetch(req Request) *Result {
	u, err := url.Parse(req.URL)
	if err != nil {
		return errorResult(errTypeNotDownloadable, err.Error())
	}
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	f.mu.Lock()
	f.requested = append(f.requested, path)
	page, ok := f.pages[path]
	f.mu.Unlock()

	if !ok {
		page = fakePage{status: 404, contentType: "text/html", body: "<html>not found</html>"}
	}
	metadata := &project.RevisionMetadata{
		HTTPVersion:  11,
		StatusCode:   page.status,
		ReasonPhrase: "OK",
		Headers: [][]string{
			{"Content-Type", page.contentType},
			{"Date", "Mon, 02 Jan 2006 15:04:05 GMT"},
		},
	}
	if page.location != "" {
		metadata.Headers = append(metadata.Headers, []string{"Location", page.location})
	}
	return &Result{Metadata: metadata, Body: io.NopCloser(strings.NewReader(page.body))}
}

func (f *fakeFetcher) requestedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requested))
	copy(out, f.requested)
	return out
}

func newTestProject(t *testing.T) *project.Project {
	t.Helper()
	p, err := project.Open(filepath.Join(t.TempDir(), "dl.crystalproj"), project.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// runDownload enqueues a top-level download of url and waits for it.
func runDownload(t *testing.T, p *project.Project, fetcher Fetcher, rawURL string) *project.ResourceRevision {
	t.Helper()
	r, err := p.CreateResource(rawURL)
	require.NoError(t, err)
	dt := NewDownloadResource(p, r, fetcher)
	dt.SetInterPageDelay(0)
	require.NoError(t, p.AddTopLevelTask(dt.Container))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	value, err := dt.Future().Wait(ctx)
	require.NoError(t, err)
	if value == nil {
		return nil
	}
	return value.(*project.ResourceRevision)
}

func TestDownloadPageWithEmbeddedImage(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/":      {status: 200, contentType: "text/html", body: `<html><img src="/a.png"></html>`},
		"/a.png": {status: 200, contentType: "image/png", body: "PNG"},
	})

	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	assert.Equal(t, 200, rev.StatusCode())

	assert.Equal(t, []string{"/", "/a.png"}, f.requestedPaths())
	resources := p.Resources()
	require.Len(t, resources, 2)

	var urls []string
	for _, r := range resources {
		urls = append(urls, r.URL())
	}
	assert.Contains(t, urls, "https://example.com/")
	assert.Contains(t, urls, "https://example.com/a.png")
}

func TestDownload404DoesNotScheduleEmbedded(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/": {status: 404, contentType: "text/html", body: `<html><img src="/a.png"></html>`},
	})

	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	assert.Equal(t, 404, rev.StatusCode())
	assert.Equal(t, []string{"/"}, f.requestedPaths())
	assert.Len(t, p.Resources(), 1)
}

func TestDownloadBinaryBodySkipsParsing(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/archive.zip": {status: 200, contentType: "application/zip", body: "PK..."},
	})

	rev := runDownload(t, p, f, "https://example.com/archive.zip")
	require.NotNil(t, rev)
	assert.Equal(t, []string{"/archive.zip"}, f.requestedPaths())
	assert.Len(t, p.Resources(), 1, "the link extractor must not run on binary bodies")
}

func TestDownloadCycleTerminates(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/":      {status: 200, contentType: "text/html", body: `<html><img src="/a.png"></html>`},
		"/a.png": {status: 200, contentType: "text/html", body: `<html><img src="/a.png"></html>`},
	})

	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	assert.Equal(t, []string{"/", "/a.png"}, f.requestedPaths(),
		"a self-referencing resource is fetched exactly once")
}

func TestRecursionCeiling(t *testing.T) {
	p := newTestProject(t)
	pages := map[string]fakePage{
		"/": {status: 200, contentType: "text/html", body: `<html><img src="/assets/image.png"></html>`},
	}
	// every /assets/... page embeds one more level
	prefix := "/assets"
	for i := 0; i < 6; i++ {
		pages[prefix+"/image.png"] = fakePage{
			status:      200,
			contentType: "text/html",
			body:        fmt.Sprintf(`<html><img src="%s/assets/image.png"></html>`, prefix),
		}
		prefix += "/assets"
	}

	f := newFakeFetcher(pages)
	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	assert.Equal(t, []string{
		"/",
		"/assets/image.png",
		"/assets/assets/image.png",
		"/assets/assets/assets/image.png",
	}, f.requestedPaths(), "embedded chains truncate at the recursion ceiling")
}

func TestSecondDownloadServedFromSessionCache(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/": {status: 200, contentType: "text/html", body: `<html>plain</html>`},
	})

	first := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, first)
	second := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, second)

	assert.Equal(t, first.ID(), second.ID(), "no new revision row on a same-session redownload")
	assert.Equal(t, []string{"/"}, f.requestedPaths(), "the second call does no network IO")
	r := p.GetResource("https://example.com/")
	revs, err := p.Revisions(r)
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestRedirectIsFollowedAsEmbeddedLink(t *testing.T) {
	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/old": {status: 301, contentType: "text/html", body: "", location: "/new"},
		"/new": {status: 200, contentType: "text/html", body: "<html>here</html>"},
	})

	rev := runDownload(t, p, f, "https://example.com/old")
	require.NotNil(t, rev)
	assert.True(t, rev.IsRedirect())
	assert.Equal(t, []string{"/old", "/new"}, f.requestedPaths())
}

func TestFreeSpaceTooLowRecordsErrorRevision(t *testing.T) {
	restore := checkFreeSpace
	checkFreeSpace = func(p *project.Project) error {
		return &project.FreeSpaceTooLowError{Free: 1 << 20, Min: 4 << 30}
	}
	defer func() { checkFreeSpace = restore }()

	p := newTestProject(t)
	f := newFakeFetcher(map[string]fakePage{
		"/": {status: 200, contentType: "text/html", body: "<html>never fetched</html>"},
	})

	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	require.NotNil(t, rev.Err(), "low disk space must be recorded as an error revision")
	assert.Equal(t, "ProjectFreeSpaceTooLow", rev.Err().Type)
	assert.Empty(t, f.requestedPaths(), "no network IO when the disk is too full")
}

func TestDoNotDownloadGroupSkipsEmbedded(t *testing.T) {
	p := newTestProject(t)
	_, err := p.CreateResourceGroup("Ads", "https://example.com/ads/**", project.NoSource(), true)
	require.NoError(t, err)
	f := newFakeFetcher(map[string]fakePage{
		"/": {status: 200, contentType: "text/html",
			body: `<html><img src="/ads/banner.png"><img src="/real.png"></html>`},
		"/real.png": {status: 200, contentType: "image/png", body: "PNG"},
	})

	rev := runDownload(t, p, f, "https://example.com/")
	require.NotNil(t, rev)
	assert.Equal(t, []string{"/", "/real.png"}, f.requestedPaths())
}

func TestGroupDownloadWithoutSource(t *testing.T) {
	p := newTestProject(t)
	for i := 1; i <= 3; i++ {
		_, err := p.CreateResource(fmt.Sprintf("https://xkcd.com/%d/", i))
		require.NoError(t, err)
	}
	g, err := p.CreateResourceGroup("Comics", "https://xkcd.com/#/", project.NoSource(), false)
	require.NoError(t, err)

	f := newFakeFetcher(map[string]fakePage{
		"/1/": {status: 200, contentType: "text/html", body: "<html>1</html>"},
		"/2/": {status: 200, contentType: "text/html", body: "<html>2</html>"},
		"/3/": {status: 200, contentType: "text/html", body: "<html>3</html>"},
	})
	gt := NewDownloadResourceGroup(p, g, f)
	require.NoError(t, p.AddTopLevelTask(gt.Container))

	require.Eventually(t, gt.Complete, 15*time.Second, 10*time.Millisecond)
	paths := f.requestedPaths()
	assert.Contains(t, paths, "/1/")
	assert.Contains(t, paths, "/2/")
	assert.Contains(t, paths, "/3/")
}

func TestGroupDownloadSkipsMembersWithStoredRevisions(t *testing.T) {
	p := newTestProject(t)
	var resources []*project.Resource
	for i := 1; i <= 4; i++ {
		r, err := p.CreateResource(fmt.Sprintf("https://xkcd.com/%d/", i))
		require.NoError(t, err)
		resources = append(resources, r)
	}
	// pages 1-3 already archived by an earlier session; their bodies
	// embed an image that the earlier session never finished fetching
	for _, r := range resources[:3] {
		_, err := p.AppendRevision(r, project.RevisionPayload{
			Metadata: &project.RevisionMetadata{
				StatusCode: 200,
				Headers:    [][]string{{"Content-Type", "text/html"}},
			},
			Body: strings.NewReader(`<html><img src="/shared.png"></html>`),
		}, "")
		require.NoError(t, err)
	}
	g, err := p.CreateResourceGroup("Comics", "https://xkcd.com/#/", project.NoSource(), false)
	require.NoError(t, err)

	f := newFakeFetcher(map[string]fakePage{
		"/4/":         {status: 200, contentType: "text/html", body: `<html><img src="/shared.png"></html>`},
		"/shared.png": {status: 200, contentType: "image/png", body: "PNG"},
	})
	gt := NewDownloadResourceGroup(p, g, f)
	require.NoError(t, p.AddTopLevelTask(gt.Container))

	require.Eventually(t, gt.Complete, 15*time.Second, 10*time.Millisecond)
	// pages 1-3 are served from the archive without network IO, but their
	// bodies are still reparsed, so the missing embedded image is fetched
	assert.Equal(t, []string{"/shared.png", "/4/"}, f.requestedPaths(),
		"resume skips stored pages but rediscovers their embedded links")
	assert.NotNil(t, p.GetResource("https://xkcd.com/shared.png"),
		"reparsing a stored page creates resources for its links")
}

func TestResolveNotModifiedSynthesizesSingleKnownETag(t *testing.T) {
	meta := &project.RevisionMetadata{StatusCode: 304}
	resolveNotModified(meta, []string{`"v1"`})
	assert.Equal(t, `"v1"`, meta.FirstHeader("ETag"))

	// several known ETags stay unresolved
	meta = &project.RevisionMetadata{StatusCode: 304}
	resolveNotModified(meta, []string{`"v1"`, `"v2"`})
	assert.Equal(t, "", meta.FirstHeader("ETag"))

	// an origin-supplied ETag is never overwritten
	meta = &project.RevisionMetadata{
		StatusCode: 304,
		Headers:    [][]string{{"ETag", `"origin"`}},
	}
	resolveNotModified(meta, []string{`"v1"`})
	assert.Equal(t, `"origin"`, meta.FirstHeader("ETag"))
}

func TestClientRejectsUnsupportedScheme(t *testing.T) {
	c := &Client{}
	result := c.Fetch(Request{URL: "gopher://example.com/"})
	require.NotNil(t, result.Error)
	assert.Equal(t, "NotADownloadableScheme", result.Error.Type)
}

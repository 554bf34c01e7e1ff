// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
	"github.com/crystal-archiver/crystal/pkg/task"
)

// checkFreeSpace is replaceable in tests.
var checkFreeSpace = func(p *project.Project) error {
	return p.CheckFreeSpace()
}

// DownloadBody downloads one resource body and persists it as a revision.
// Its future resolves with the newly-created revision, or with the
// resource's existing default revision when the resource was already
// downloaded this session.
type DownloadBody struct {
	*task.Leaf

	project  *project.Project
	resource *project.Resource
	fetcher  Fetcher
	// refetchIfStored forces a fresh fetch even when a stored revision
	// exists. True for explicit user downloads; false for embedded
	// resources and group members, which reuse stored revisions so an
	// interrupted bulk download resumes where it stopped.
	refetchIfStored bool

	fetchedFromNetwork atomic.Bool
}

// NewDownloadBody creates the leaf task for r.
func NewDownloadBody(p *project.Project, r *project.Resource, fetcher Fetcher, refetchIfStored bool) *DownloadBody {
	d := &DownloadBody{
		project:         p,
		resource:        r,
		fetcher:         fetcher,
		refetchIfStored: refetchIfStored,
	}
	d.Leaf = task.NewLeaf(fmt.Sprintf("Downloading: %s", r.URL()), d.call)
	return d
}

// FetchedFromNetwork reports whether the unit actually issued a request,
// as opposed to serving the session cache. Inter-page delays apply only to
// network fetches.
func (d *DownloadBody) FetchedFromNetwork() bool {
	return d.fetchedFromNetwork.Load()
}

func (d *DownloadBody) call() (interface{}, error) {
	p, r := d.project, d.resource

	// A second download in one session reuses the first one's revision
	// without network IO and without a new database row. Implicit
	// downloads extend the same courtesy to revisions stored by earlier
	// sessions.
	if r.AlreadyDownloadedThisSession() || !d.refetchIfStored {
		rev, err := p.DefaultRevision(r)
		if err != nil {
			return nil, err
		}
		if rev != nil && !d.staleByMinFetchDate(rev) {
			klog.V(6).Infof("download: serving %s from the archive", r.URL())
			return rev, nil
		}
	}

	// a nearly-full disk turns into a stored error revision, not a crash
	if err := checkFreeSpace(p); err != nil {
		d.SetSubtitle(err.Error())
		rev, appendErr := p.AppendRevision(r, project.RevisionPayload{
			Error: &project.RevisionError{Type: errTypeFreeSpaceLow, Message: err.Error()},
		}, "")
		if appendErr != nil {
			return nil, appendErr
		}
		return rev, nil
	}

	cookie := p.RequestCookieFor(r.URL())
	etags, err := p.KnownETags(r)
	if err != nil {
		return nil, err
	}

	d.fetchedFromNetwork.Store(true)
	result := d.fetcher.Fetch(Request{URL: r.URL(), Cookie: cookie, KnownETags: etags})

	if result.Metadata != nil {
		resolveNotModified(result.Metadata, etags)
	}

	payload := project.RevisionPayload{
		Error:    result.Error,
		Metadata: result.Metadata,
		Body:     result.Body,
	}
	rev, err := p.AppendRevision(r, payload, cookie)
	if result.Body != nil {
		result.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	r.MarkDownloadedThisSession()
	return rev, nil
}

// staleByMinFetchDate reports whether rev predates the project's
// min_fetch_date property and must be refetched despite the session cache.
func (d *DownloadBody) staleByMinFetchDate(rev *project.ResourceRevision) bool {
	raw := d.project.Property(project.PropertyMinFetchDate)
	if raw == "" {
		return false
	}
	min, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		klog.V(6).Infof("download: unparseable min_fetch_date %q", raw)
		return false
	}
	date := rev.Date()
	return date.IsZero() || date.Before(min)
}

// resolveNotModified makes a 304 response resolvable later: when the
// origin echoed no ETag but exactly one is known, that ETag is synthesized
// into the saved metadata. With several known ETags the 304 stays
// unresolvable.
func resolveNotModified(metadata *project.RevisionMetadata, knownETags []string) {
	if metadata.StatusCode != http.StatusNotModified {
		return
	}
	if metadata.FirstHeader("ETag") != "" || len(knownETags) != 1 {
		return
	}
	metadata.Headers = append(metadata.Headers, []string{"ETag", knownETags[0]})
}

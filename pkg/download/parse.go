// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"fmt"
	"io"
	"net/url"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/links"
	"github.com/crystal-archiver/crystal/pkg/project"
	"github.com/crystal-archiver/crystal/pkg/task"
)

// ParseResult is what a ParseLinks task yields: the document's links and
// the resources bulk-created for them, indexed by absolute URL.
type ParseResult struct {
	Links     []links.Link
	Resources map[string]*project.Resource
}

// ParseLinks reads a revision body, extracts its outbound links, and
// bulk-creates a resource for every link target. CPU-heavy; runs on the
// scheduler goroutine so it blocks no UI work.
type ParseLinks struct {
	*task.Leaf

	project  *project.Project
	resource *project.Resource
	revision *project.ResourceRevision
}

// NewParseLinks creates the leaf task for rev, a revision of r.
func NewParseLinks(p *project.Project, r *project.Resource, rev *project.ResourceRevision) *ParseLinks {
	t := &ParseLinks{
		project:  p,
		resource: r,
		revision: rev,
	}
	t.Leaf = task.NewLeaf(fmt.Sprintf("Parsing links: %s", r.URL()), t.call)
	return t
}

func (t *ParseLinks) call() (interface{}, error) {
	body, err := t.project.ReadRevisionBody(t.revision)
	if err != nil {
		// including ErrRevisionBodyMissing, which the enclosing
		// DownloadResource turns into a delete-and-refetch
		return nil, err
	}
	raw, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading revision body: %w", err)
	}

	docPath := "/"
	if u, err := url.Parse(t.resource.URL()); err == nil && u.Path != "" {
		docPath = u.Path
	}
	found := links.Extract(raw, t.revision.DeclaredCharset(), t.revision.ContentType(), docPath)
	if loc := t.revision.Redirect(); loc != "" {
		found = append(found, links.RedirectLink(loc))
	}

	targets := make([]string, 0, len(found))
	for _, l := range found {
		if l.Implicit {
			continue
		}
		targets = append(targets, l.RelativeURL)
	}
	created, err := t.project.BulkCreateResources(targets, t.resource.URL())
	if err != nil {
		return nil, err
	}

	byURL := make(map[string]*project.Resource, len(created))
	for _, r := range created {
		byURL[r.URL()] = r
	}
	klog.V(6).Infof("download: parsed %d links from %s", len(found), t.resource.URL())
	return &ParseResult{Links: found, Resources: byURL}, nil
}

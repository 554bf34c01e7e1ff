// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"
)

// Resource is one archived URL. Its URL is unique within the project and
// carries no fragment.
type Resource struct {
	project *Project
	id      int64
	url     string

	// transient session state, never persisted
	alreadyDownloadedThisSession atomic.Bool
	definitelyHasNoRevisions     atomic.Bool
}

// ID returns the resource's stable id.
func (r *Resource) ID() int64 { return r.id }

// URL returns the resource's absolute, fragment-free URL.
func (r *Resource) URL() string { return r.url }

// Project returns the owning project.
func (r *Resource) Project() *Project { return r.project }

// AlreadyDownloadedThisSession reports whether a download task finished for
// this resource since the project was opened.
func (r *Resource) AlreadyDownloadedThisSession() bool {
	return r.alreadyDownloadedThisSession.Load()
}

// MarkDownloadedThisSession flips the session download flag.
func (r *Resource) MarkDownloadedThisSession() {
	r.alreadyDownloadedThisSession.Store(true)
}

// resetDownloadState clears the transient flags, used when a revision of
// this resource is deleted.
func (r *Resource) resetDownloadState() {
	r.alreadyDownloadedThisSession.Store(false)
	r.definitelyHasNoRevisions.Store(false)
}

func (r *Resource) String() string {
	return fmt.Sprintf("Resource(%d, %s)", r.id, r.url)
}

func (p *Project) loadResources() error {
	rows, err := p.db.Query("SELECT id, url FROM resource")
	if err != nil {
		return fmt.Errorf("loading resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			url string
		)
		if err := rows.Scan(&id, &url); err != nil {
			return fmt.Errorf("loading resources: %w", err)
		}
		r := &Resource{project: p, id: id, url: url}
		p.resourcesByURL[url] = r
		p.resourcesByID[id] = r
	}
	return rows.Err()
}

// GetResource returns the resource at url, or nil. The URL is normalized
// before lookup.
func (p *Project) GetResource(url string) *Resource {
	normalized, err := NormalizeURL(url)
	if err != nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resourcesByURL[normalized]
}

// Resources returns every resource, ordered by id.
func (p *Project) Resources() []*Resource {
	p.mu.RLock()
	out := make([]*Resource, 0, len(p.resourcesByID))
	for _, r := range p.resourcesByID {
		out = append(out, r)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CreateResource returns the resource at url, inserting it first if the
// project has never seen the URL. The returned resource is shared: callers
// racing on the same URL get the same *Resource.
func (p *Project) CreateResource(url string) (*Resource, error) {
	if r := p.GetResource(url); r != nil {
		return r, nil
	}
	if err := p.checkWritable(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	v, err := p.onForeground(func() (interface{}, error) {
		r, err := p.createResourceOnFg(normalized)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resource), nil
}

// createResourceOnFg runs on the foreground goroutine.
func (p *Project) createResourceOnFg(normalized string) (*Resource, error) {
	p.mu.RLock()
	existing := p.resourcesByURL[normalized]
	p.mu.RUnlock()
	if existing != nil {
		return existing, nil
	}

	res, err := p.db.Exec("INSERT INTO resource (url) VALUES (?)", normalized)
	if err != nil {
		return nil, fmt.Errorf("inserting resource %s: %w", normalized, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting resource %s: %w", normalized, err)
	}
	r := &Resource{project: p, id: id, url: normalized}
	r.definitelyHasNoRevisions.Store(true)

	p.mu.Lock()
	p.resourcesByURL[normalized] = r
	p.resourcesByID[id] = r
	p.mu.Unlock()

	p.notifyResourceDidInstantiate(r)
	return r, nil
}

func (p *Project) notifyResourceDidInstantiate(r *Resource) {
	p.listeners.notify("ResourceDidInstantiate", func(l ModelListener) {
		if rl, ok := l.(ResourceDidInstantiateListener); ok {
			rl.ResourceDidInstantiate(r)
		}
	})
}

// BulkCreateResources creates a resource for every URL in urls, resolving
// each against baseURL first. One transaction and one prepared statement
// cover the whole batch; parsed documents routinely yield hundreds of
// links. URLs that fail to normalize are skipped with a log line. Results
// are in input order, deduplicated.
func (p *Project) BulkCreateResources(urls []string, baseURL string) ([]*Resource, error) {
	if err := p.checkWritable(); err != nil {
		return nil, err
	}

	// normalize up front; no reason to hold the foreground goroutine for it
	normalized := make([]string, 0, len(urls))
	seen := map[string]bool{}
	for _, raw := range urls {
		u, err := JoinURL(baseURL, raw)
		if err != nil {
			klog.V(6).Infof("project: skipping unparseable URL %q: %v", raw, err)
			continue
		}
		if !seen[u] {
			seen[u] = true
			normalized = append(normalized, u)
		}
	}

	v, err := p.onForeground(func() (interface{}, error) {
		out, err := p.bulkCreateOnFg(normalized)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Resource), nil
}

func (p *Project) bulkCreateOnFg(urls []string) ([]*Resource, error) {
	out := make([]*Resource, 0, len(urls))
	var created []*Resource

	tx, err := p.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("bulk create: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO resource (url) VALUES (?)")
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("bulk create: %w", err)
	}

	for _, u := range urls {
		p.mu.RLock()
		existing := p.resourcesByURL[u]
		p.mu.RUnlock()
		if existing != nil {
			out = append(out, existing)
			continue
		}
		res, err := stmt.Exec(u)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, fmt.Errorf("bulk create %s: %w", u, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, fmt.Errorf("bulk create %s: %w", u, err)
		}
		r := &Resource{project: p, id: id, url: u}
		r.definitelyHasNoRevisions.Store(true)
		out = append(out, r)
		created = append(created, r)
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bulk create: %w", err)
	}

	// publish only after the transaction holds
	p.mu.Lock()
	for _, r := range created {
		p.resourcesByURL[r.url] = r
		p.resourcesByID[r.id] = r
	}
	p.mu.Unlock()
	for _, r := range created {
		p.notifyResourceDidInstantiate(r)
	}
	return out, nil
}

// DeleteResource removes r, cascading to its revisions and to any root
// resource pinned to it. Groups holding r in their cached member lists
// drop it.
func (p *Project) DeleteResource(r *Resource) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if r.project != p {
		return ErrCrossProjectReference
	}
	_, err := p.onForeground(func() (interface{}, error) {
		return nil, p.deleteResourceOnFg(r)
	})
	return err
}

func (p *Project) deleteResourceOnFg(r *Resource) error {
	var result *multierror.Error

	// revisions first, so their body files go while the row ids are known
	revs, err := p.revisionsOnFg(r)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, rev := range revs {
		if err := p.deleteRevisionOnFg(rev); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if rr := p.RootResourceForResource(r); rr != nil {
		if err := p.deleteRootResourceOnFg(rr); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, err := p.db.Exec("DELETE FROM resource WHERE id = ?", r.id); err != nil {
		result = multierror.Append(result, fmt.Errorf("deleting resource %d: %w", r.id, err))
		return result.ErrorOrNil()
	}

	p.mu.Lock()
	delete(p.resourcesByURL, r.url)
	delete(p.resourcesByID, r.id)
	groups := make([]*ResourceGroup, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.Unlock()

	for _, g := range groups {
		g.dropCachedMember(r)
	}
	p.listeners.notify("ResourceDidForget", func(l ModelListener) {
		if rl, ok := l.(ResourceDidForgetListener); ok {
			rl.ResourceDidForget(r)
		}
	})
	return result.ErrorOrNil()
}

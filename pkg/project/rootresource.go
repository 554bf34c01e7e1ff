// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"fmt"
	"sort"
)

// RootResource is a user-pinned resource with a display name. At most one
// exists per resource.
type RootResource struct {
	project  *Project
	id       int64
	name     string
	resource *Resource
}

// ID returns the root resource's stable id.
func (rr *RootResource) ID() int64 { return rr.id }

// Name returns the display name; may be empty.
func (rr *RootResource) Name() string { return rr.name }

// Resource returns the pinned resource.
func (rr *RootResource) Resource() *Resource { return rr.resource }

func (rr *RootResource) String() string {
	return fmt.Sprintf("RootResource(%d, %q, %s)", rr.id, rr.name, rr.resource.URL())
}

func (p *Project) loadRootResources() error {
	rows, err := p.db.Query("SELECT id, name, resource_id FROM root_resource")
	if err != nil {
		return fmt.Errorf("loading root resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, resourceID int64
			name           string
		)
		if err := rows.Scan(&id, &name, &resourceID); err != nil {
			return fmt.Errorf("loading root resources: %w", err)
		}
		r := p.resourcesByID[resourceID]
		if r == nil {
			return fmt.Errorf("root resource %d references missing resource %d", id, resourceID)
		}
		p.rootResources[id] = &RootResource{project: p, id: id, name: name, resource: r}
	}
	return rows.Err()
}

// RootResources returns every root resource, ordered by id.
func (p *Project) RootResources() []*RootResource {
	p.mu.RLock()
	out := make([]*RootResource, 0, len(p.rootResources))
	for _, rr := range p.rootResources {
		out = append(out, rr)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RootResourceForResource returns the root resource pinned to r, or nil.
func (p *Project) RootResourceForResource(r *Resource) *RootResource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rr := range p.rootResources {
		if rr.resource == r {
			return rr
		}
	}
	return nil
}

// CreateRootResource pins r under name. A resource can be pinned at most
// once; repeated pins return the existing root resource.
func (p *Project) CreateRootResource(name string, r *Resource) (*RootResource, error) {
	if err := p.checkWritable(); err != nil {
		return nil, err
	}
	if r.project != p {
		return nil, ErrCrossProjectReference
	}
	v, err := p.onForeground(func() (interface{}, error) {
		if existing := p.RootResourceForResource(r); existing != nil {
			return existing, nil
		}
		res, err := p.db.Exec(
			"INSERT INTO root_resource (name, resource_id) VALUES (?, ?)", name, r.id)
		if err != nil {
			return nil, fmt.Errorf("inserting root resource for %s: %w", r.url, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("inserting root resource for %s: %w", r.url, err)
		}
		rr := &RootResource{project: p, id: id, name: name, resource: r}
		p.mu.Lock()
		p.rootResources[id] = rr
		p.mu.Unlock()

		p.listeners.notify("RootResourceDidInstantiate", func(l ModelListener) {
			if rl, ok := l.(RootResourceDidInstantiateListener); ok {
				rl.RootResourceDidInstantiate(rr)
			}
		})
		return rr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RootResource), nil
}

// DeleteRootResource removes rr. Any group sourced from rr loses its
// source.
func (p *Project) DeleteRootResource(rr *RootResource) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if rr.project != p {
		return ErrCrossProjectReference
	}
	_, err := p.onForeground(func() (interface{}, error) {
		return nil, p.deleteRootResourceOnFg(rr)
	})
	return err
}

func (p *Project) deleteRootResourceOnFg(rr *RootResource) error {
	for _, g := range p.ResourceGroups() {
		if g.Source().Type == SourceRoot && g.Source().ID == rr.id {
			if err := g.setSourceOnFg(NoSource()); err != nil {
				return err
			}
		}
	}
	if _, err := p.db.Exec("DELETE FROM root_resource WHERE id = ?", rr.id); err != nil {
		return fmt.Errorf("deleting root resource %d: %w", rr.id, err)
	}
	p.mu.Lock()
	delete(p.rootResources, rr.id)
	p.mu.Unlock()

	p.listeners.notify("RootResourceDidForget", func(l ModelListener) {
		if rl, ok := l.(RootResourceDidForgetListener); ok {
			rl.RootResourceDidForget(rr)
		}
	})
	return nil
}

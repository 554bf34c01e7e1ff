// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/crystal-archiver/crystal/pkg/urlpattern"
)

// SourceType discriminates a group's source reference.
type SourceType int

const (
	// SourceNone means membership is discovered only by direct matches.
	SourceNone SourceType = iota
	// SourceRoot sources the group from a root resource's page.
	SourceRoot
	// SourceGroup sources the group from another group's downloads.
	SourceGroup
)

const (
	sourceTypeRootToken  = "root_resource"
	sourceTypeGroupToken = "resource_group"
)

// GroupSource is a tagged reference to the entity whose download reveals a
// group's members.
type GroupSource struct {
	Type SourceType
	ID   int64
}

// NoSource is the absent source.
func NoSource() GroupSource { return GroupSource{Type: SourceNone} }

// ResourceGroup is a URL-pattern-matched set of resources. Membership is
// derived, computed lazily on first access by scanning all resources
// against the compiled pattern.
type ResourceGroup struct {
	project *Project
	id      int64

	// mu guards the mutable fields below
	mu            sync.Mutex
	name          string
	pattern       *urlpattern.Pattern
	source        GroupSource
	doNotDownload bool

	membersKnown bool
	members      []*Resource
}

// ID returns the group's stable id.
func (g *ResourceGroup) ID() int64 { return g.id }

// Name returns the display name; may be empty.
func (g *ResourceGroup) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// URLPattern returns the group's pattern text.
func (g *ResourceGroup) URLPattern() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pattern.String()
}

// Source returns the group's source reference.
func (g *ResourceGroup) Source() GroupSource {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.source
}

// DoNotDownload reports whether members must be skipped when discovered as
// embedded resources of other pages.
func (g *ResourceGroup) DoNotDownload() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.doNotDownload
}

// Matches reports whether url belongs to this group's pattern.
func (g *ResourceGroup) Matches(url string) bool {
	g.mu.Lock()
	pattern := g.pattern
	g.mu.Unlock()
	return pattern.Matches(url)
}

func (g *ResourceGroup) String() string {
	return fmt.Sprintf("ResourceGroup(%d, %q, %s)", g.id, g.Name(), g.URLPattern())
}

// Members returns the group's member resources, ordered by id. The first
// call scans every resource in the project; later calls serve the cached
// list, which the group extends as new matching resources instantiate.
func (g *ResourceGroup) Members() []*Resource {
	g.mu.Lock()
	if !g.membersKnown {
		g.mu.Unlock()
		scanned := g.scanMembers()
		g.mu.Lock()
		if !g.membersKnown {
			g.members = scanned
			g.membersKnown = true
		}
	}
	out := make([]*Resource, len(g.members))
	copy(out, g.members)
	g.mu.Unlock()
	return out
}

func (g *ResourceGroup) scanMembers() []*Resource {
	var out []*Resource
	for _, r := range g.project.Resources() {
		if g.Matches(r.URL()) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ResourceDidInstantiate extends the cached member list. Groups subscribe
// to the project's model events at load time.
func (g *ResourceGroup) ResourceDidInstantiate(r *Resource) {
	g.mu.Lock()
	if !g.membersKnown || !g.pattern.Matches(r.URL()) {
		g.mu.Unlock()
		return
	}
	g.members = append(g.members, r)
	g.mu.Unlock()

	g.project.listeners.notify("GroupDidAddMember", func(l ModelListener) {
		if gl, ok := l.(GroupDidAddMemberListener); ok {
			gl.GroupDidAddMember(g, r)
		}
	})
}

// dropCachedMember removes a deleted resource from the cached member list.
func (g *ResourceGroup) dropCachedMember(r *Resource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.membersKnown {
		return
	}
	for i, m := range g.members {
		if m == r {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

func (p *Project) loadGroups() error {
	rows, err := p.db.Query(
		"SELECT id, name, url_pattern, source_type, source_id, do_not_download FROM resource_group")
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id            int64
			name, pattern string
			sourceType    sql.NullString
			sourceID      sql.NullInt64
			doNotDownload bool
		)
		if err := rows.Scan(&id, &name, &pattern, &sourceType, &sourceID, &doNotDownload); err != nil {
			return fmt.Errorf("loading groups: %w", err)
		}
		compiled, err := urlpattern.Compile(pattern)
		if err != nil {
			return fmt.Errorf("group %d: %w", id, err)
		}
		g := &ResourceGroup{
			project:       p,
			id:            id,
			name:          name,
			pattern:       compiled,
			source:        decodeSource(sourceType, sourceID),
			doNotDownload: doNotDownload,
		}
		p.groups[id] = g
		p.listeners.add(g)
	}
	return rows.Err()
}

func decodeSource(sourceType sql.NullString, sourceID sql.NullInt64) GroupSource {
	if !sourceType.Valid || !sourceID.Valid {
		return NoSource()
	}
	switch sourceType.String {
	case sourceTypeRootToken:
		return GroupSource{Type: SourceRoot, ID: sourceID.Int64}
	case sourceTypeGroupToken:
		return GroupSource{Type: SourceGroup, ID: sourceID.Int64}
	default:
		return NoSource()
	}
}

func encodeSource(s GroupSource) (sourceType sql.NullString, sourceID sql.NullInt64) {
	switch s.Type {
	case SourceRoot:
		return sql.NullString{String: sourceTypeRootToken, Valid: true},
			sql.NullInt64{Int64: s.ID, Valid: true}
	case SourceGroup:
		return sql.NullString{String: sourceTypeGroupToken, Valid: true},
			sql.NullInt64{Int64: s.ID, Valid: true}
	default:
		return sql.NullString{}, sql.NullInt64{}
	}
}

// ResourceGroups returns every group, ordered by id.
func (p *Project) ResourceGroups() []*ResourceGroup {
	p.mu.RLock()
	out := make([]*ResourceGroup, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// GetResourceGroup returns the group with id, or nil.
func (p *Project) GetResourceGroup(id int64) *ResourceGroup {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.groups[id]
}

// GetRootResource returns the root resource with id, or nil.
func (p *Project) GetRootResource(id int64) *RootResource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootResources[id]
}

// CreateResourceGroup creates a group matching pattern. source may be
// NoSource().
func (p *Project) CreateResourceGroup(name, pattern string, source GroupSource, doNotDownload bool) (*ResourceGroup, error) {
	if err := p.checkWritable(); err != nil {
		return nil, err
	}
	compiled, err := urlpattern.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v, err := p.onForeground(func() (interface{}, error) {
		if err := p.validateSource(source, nil); err != nil {
			return nil, err
		}
		sourceType, sourceID := encodeSource(source)
		res, err := p.db.Exec(
			"INSERT INTO resource_group (name, url_pattern, source_type, source_id, do_not_download) VALUES (?, ?, ?, ?, ?)",
			name, pattern, sourceType, sourceID, doNotDownload)
		if err != nil {
			return nil, fmt.Errorf("inserting group %q: %w", pattern, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("inserting group %q: %w", pattern, err)
		}
		g := &ResourceGroup{
			project:       p,
			id:            id,
			name:          name,
			pattern:       compiled,
			source:        source,
			doNotDownload: doNotDownload,
		}
		p.mu.Lock()
		p.groups[id] = g
		p.mu.Unlock()
		p.listeners.add(g)

		p.listeners.notify("ResourceGroupDidInstantiate", func(l ModelListener) {
			if gl, ok := l.(ResourceGroupDidInstantiateListener); ok {
				gl.ResourceGroupDidInstantiate(g)
			}
		})
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResourceGroup), nil
}

// SetSource changes g's source reference. Source chains must never reach g
// itself.
func (g *ResourceGroup) SetSource(source GroupSource) error {
	p := g.project
	if err := p.checkWritable(); err != nil {
		return err
	}
	_, err := p.onForeground(func() (interface{}, error) {
		if err := p.validateSource(source, g); err != nil {
			return nil, err
		}
		return nil, g.setSourceOnFg(source)
	})
	return err
}

func (g *ResourceGroup) setSourceOnFg(source GroupSource) error {
	sourceType, sourceID := encodeSource(source)
	if _, err := g.project.db.Exec(
		"UPDATE resource_group SET source_type = ?, source_id = ? WHERE id = ?",
		sourceType, sourceID, g.id); err != nil {
		return fmt.Errorf("updating group %d source: %w", g.id, err)
	}
	g.mu.Lock()
	g.source = source
	g.mu.Unlock()
	return nil
}

// validateSource checks that source resolves within this project and, when
// assigning to forGroup, that the chain cannot cycle back to it.
func (p *Project) validateSource(source GroupSource, forGroup *ResourceGroup) error {
	switch source.Type {
	case SourceNone:
		return nil
	case SourceRoot:
		if p.GetRootResource(source.ID) == nil {
			return fmt.Errorf("project: source root resource %d does not exist", source.ID)
		}
		return nil
	case SourceGroup:
		next := p.GetResourceGroup(source.ID)
		if next == nil {
			return fmt.Errorf("project: source group %d does not exist", source.ID)
		}
		// walk the chain; a repeat of forGroup (or any visited node) is a cycle
		visited := map[int64]bool{}
		for next != nil {
			if forGroup != nil && next == forGroup {
				return ErrGroupSourceCycle
			}
			if visited[next.id] {
				return ErrGroupSourceCycle
			}
			visited[next.id] = true
			s := next.Source()
			if s.Type != SourceGroup {
				break
			}
			next = p.GetResourceGroup(s.ID)
		}
		return nil
	default:
		return fmt.Errorf("project: unknown source type %d", source.Type)
	}
}

// DeleteResourceGroup removes g and clears any reference to it from other
// groups' sources.
func (p *Project) DeleteResourceGroup(g *ResourceGroup) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if g.project != p {
		return ErrCrossProjectReference
	}
	_, err := p.onForeground(func() (interface{}, error) {
		for _, other := range p.ResourceGroups() {
			if other != g && other.Source().Type == SourceGroup && other.Source().ID == g.id {
				if err := other.setSourceOnFg(NoSource()); err != nil {
					return nil, err
				}
			}
		}
		if _, err := p.db.Exec("DELETE FROM resource_group WHERE id = ?", g.id); err != nil {
			return nil, fmt.Errorf("deleting group %d: %w", g.id, err)
		}
		p.mu.Lock()
		delete(p.groups, g.id)
		p.mu.Unlock()
		p.listeners.remove(g)

		p.listeners.notify("ResourceGroupDidForget", func(l ModelListener) {
			if gl, ok := l.(ResourceGroupDidForgetListener); ok {
				gl.ResourceGroupDidForget(g)
			}
		})
		return nil, nil
	})
	return err
}

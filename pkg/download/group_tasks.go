// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
	"github.com/crystal-archiver/crystal/pkg/task"
)

// UpdateGroupMembers refreshes a group's membership by downloading the
// group's source. With no source there is nothing to update and the task
// completes immediately.
type UpdateGroupMembers struct {
	*task.Container

	project *project.Project
	group   *project.ResourceGroup
}

// NewUpdateGroupMembers creates the source-download task for g.
func NewUpdateGroupMembers(p *project.Project, g *project.ResourceGroup, fetcher Fetcher) *UpdateGroupMembers {
	u := &UpdateGroupMembers{project: p, group: g}
	u.Container = task.NewContainer(
		fmt.Sprintf("Finding members of group: %s", groupDisplayName(g)), task.Sequential, u)

	switch source := g.Source(); source.Type {
	case project.SourceRoot:
		if rr := p.GetRootResource(source.ID); rr != nil {
			child := newDownloadResource(p, rr.Resource(), fetcher, 0, false, nil)
			u.Append(child.Container)
			return u
		}
		klog.Warningf("download: group %s has a dangling source, skipping update", g)
		u.Finish()
	case project.SourceGroup:
		if sg := p.GetResourceGroup(source.ID); sg != nil {
			child := NewDownloadResourceGroup(p, sg, fetcher)
			u.Append(child.Container)
			return u
		}
		klog.Warningf("download: group %s has a dangling source, skipping update", g)
		u.Finish()
	default:
		u.Finish()
	}
	return u
}

// ChildDidComplete implements task.Delegate: the single source child
// finishing finishes the update.
func (u *UpdateGroupMembers) ChildDidComplete(task.Task) {
	u.Finish()
}

// DownloadGroupMembers downloads every member of a group, growing as the
// source download discovers new matching resources.
type DownloadGroupMembers struct {
	*task.Container

	project *project.Project
	group   *project.ResourceGroup
	fetcher Fetcher

	mu         sync.Mutex
	memberSeen map[int64]bool
	sourceDone bool
	finished   bool
}

// NewDownloadGroupMembers creates the member-download task for g with its
// current members as children. The task subscribes to the group's
// member-added event; new matches join at the end of the child list.
func NewDownloadGroupMembers(p *project.Project, g *project.ResourceGroup, fetcher Fetcher) *DownloadGroupMembers {
	m := &DownloadGroupMembers{
		project:    p,
		group:      g,
		fetcher:    fetcher,
		memberSeen: map[int64]bool{},
	}
	m.Container = task.NewContainer(
		fmt.Sprintf("Downloading members of group: %s", groupDisplayName(g)), task.Sequential, m)
	for _, r := range g.Members() {
		m.appendMember(r)
	}
	p.AddListener(m)
	m.updateSubtitle()
	return m
}

func (m *DownloadGroupMembers) appendMember(r *project.Resource) {
	m.mu.Lock()
	if m.finished || m.memberSeen[r.ID()] {
		m.mu.Unlock()
		return
	}
	m.memberSeen[r.ID()] = true
	m.mu.Unlock()

	child := newDownloadResource(m.project, r, m.fetcher, 0, false, nil)
	m.Append(child.Container)
}

// GroupDidAddMember implements project.GroupDidAddMemberListener.
func (m *DownloadGroupMembers) GroupDidAddMember(g *project.ResourceGroup, r *project.Resource) {
	if g != m.group {
		return
	}
	m.appendMember(r)
	m.updateSubtitle()
}

// MarkSourceDone tells the task that no further members will be
// discovered. Once all current children complete, the task finishes.
func (m *DownloadGroupMembers) MarkSourceDone() {
	m.mu.Lock()
	m.sourceDone = true
	m.mu.Unlock()
	m.maybeFinish()
}

// ChildDidComplete implements task.Delegate.
func (m *DownloadGroupMembers) ChildDidComplete(task.Task) {
	m.updateSubtitle()
	m.maybeFinish()
}

func (m *DownloadGroupMembers) maybeFinish() {
	m.mu.Lock()
	sourceDone := m.sourceDone
	m.mu.Unlock()
	if !sourceDone || m.NumChildrenComplete() != len(m.Children()) {
		return
	}
	m.mu.Lock()
	already := m.finished
	m.finished = true
	m.mu.Unlock()
	if already {
		return
	}
	m.project.RemoveListener(m)
	m.Finish()
}

func (m *DownloadGroupMembers) updateSubtitle() {
	m.SetSubtitle(fmt.Sprintf("%d of %d item(s)", m.NumChildrenComplete(), len(m.Children())))
}

// DownloadResourceGroup downloads a whole group: its source (to discover
// members) and its members, round-robin so that newly discovered members
// begin downloading before all source work finishes.
type DownloadResourceGroup struct {
	*task.Container

	project *project.Project
	group   *project.ResourceGroup

	update  *UpdateGroupMembers
	members *DownloadGroupMembers

	caffeinated bool
	culled      bool
	mu          sync.Mutex
}

// NewDownloadResourceGroup creates the group download task for g.
func NewDownloadResourceGroup(p *project.Project, g *project.ResourceGroup, fetcher Fetcher) *DownloadResourceGroup {
	if fetcher == nil {
		fetcher = &Client{}
	}
	d := &DownloadResourceGroup{project: p, group: g}
	d.Container = task.NewContainer(
		fmt.Sprintf("Downloading group: %s", groupDisplayName(g)), task.RoundRobin, d)

	d.members = NewDownloadGroupMembers(p, g, fetcher)
	d.update = NewUpdateGroupMembers(p, g, fetcher)
	d.Append(d.update.Container)
	d.Append(d.members.Container)

	// long group downloads must survive the machine's idle-sleep timer
	caffeine.acquire()
	d.caffeinated = true
	return d
}

// Group returns the group being downloaded.
func (d *DownloadResourceGroup) Group() *project.ResourceGroup { return d.group }

// ChildDidComplete implements task.Delegate.
func (d *DownloadResourceGroup) ChildDidComplete(child task.Task) {
	if child == d.update.Container {
		d.members.MarkSourceDone()
	}
	// both children must have been adopted before the group can finish;
	// a pre-completed child fires this during its own Append
	if len(d.Children()) < 2 || !d.update.Complete() || !d.members.Complete() {
		return
	}
	d.mu.Lock()
	release := d.caffeinated
	d.caffeinated = false
	d.mu.Unlock()
	if release {
		caffeine.release()
	}
	d.Finish()
}

// DidScheduleAllChildren culls the finished source child down to a summary
// placeholder so a long-lived group task stays readable in the UI.
func (d *DownloadResourceGroup) DidScheduleAllChildren() {
	d.mu.Lock()
	culled := d.culled
	d.mu.Unlock()
	if culled || !d.update.Complete() || d.members.Complete() {
		return
	}
	d.mu.Lock()
	d.culled = true
	d.mu.Unlock()
	d.CullCompletedChildren(task.NewPlaceholder("Found members", nil))
}

func groupDisplayName(g *project.ResourceGroup) string {
	if g.Name() != "" {
		return g.Name()
	}
	return g.URLPattern()
}

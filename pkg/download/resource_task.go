// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
	"github.com/crystal-archiver/crystal/pkg/task"
)

// maxEmbeddedRecursionDepth is the hard ceiling on embedded-resource
// chains. Deeper chains truncate silently.
const maxEmbeddedRecursionDepth = 3

// DefaultInterPageDelay is the politeness pause after each top-level page
// (not after each embedded asset). Skipped for cache hits and on cancel.
const DefaultInterPageDelay = 500 * time.Millisecond

type downloadPhase int

const (
	phaseBody downloadPhase = iota
	phaseParse
	phaseChildren
	phaseDone
)

// DownloadResource downloads one resource and, recursively, its embedded
// resources. Children run sequentially: the body download, the link parse,
// then one child DownloadResource per embedded link.
type DownloadResource struct {
	*task.Container

	project  *project.Project
	resource *project.Resource
	fetcher  Fetcher

	depth       int
	needsResult bool
	// downloadedThisSession is the resource's session flag captured at
	// construction. Only a download repeated within one session may skip
	// the link reparse; a resume in a fresh session must rediscover the
	// page's embedded links even when its body is served from the archive.
	downloadedThisSession bool
	// ancestry holds the resource ids of every DownloadResource above
	// this one, so reference cycles terminate.
	ancestry map[int64]bool

	delay time.Duration
	sleep func(time.Duration)

	future *task.Future

	mu           sync.Mutex
	phase        downloadPhase
	body         *DownloadBody
	parse        *ParseLinks
	headRevision *project.ResourceRevision
	retriedBody  bool
	childSeen    map[int64]bool
	childStart   time.Time
}

// NewDownloadResource creates a top-level download task for r. The caller
// wants the result, so a same-session cache hit still resolves the future
// with the cached revision.
func NewDownloadResource(p *project.Project, r *project.Resource, fetcher Fetcher) *DownloadResource {
	return newDownloadResource(p, r, fetcher, 0, true, nil)
}

func newDownloadResource(p *project.Project, r *project.Resource, fetcher Fetcher,
	depth int, needsResult bool, parentAncestry map[int64]bool) *DownloadResource {
	if fetcher == nil {
		fetcher = &Client{}
	}
	ancestry := map[int64]bool{r.ID(): true}
	for id := range parentAncestry {
		ancestry[id] = true
	}
	d := &DownloadResource{
		project:               p,
		resource:              r,
		fetcher:               fetcher,
		depth:                 depth,
		needsResult:           needsResult,
		downloadedThisSession: r.AlreadyDownloadedThisSession(),
		ancestry:              ancestry,
		delay:                 DefaultInterPageDelay,
		sleep:                 time.Sleep,
		future:                task.NewFuture(),
		childSeen:             map[int64]bool{},
	}
	d.Container = task.NewContainer(fmt.Sprintf("Downloading: %s", r.URL()), task.Sequential, d)

	d.body = NewDownloadBody(p, r, fetcher, needsResult)
	// the tree holds the generic leaf/container nodes; the typed wrappers
	// stay behind as controllers
	d.Append(d.body.Leaf)
	return d
}

// Resource returns the resource being downloaded.
func (d *DownloadResource) Resource() *project.Resource { return d.resource }

// Future resolves with the head revision once the resource and its
// embedded resources are downloaded.
func (d *DownloadResource) Future() *task.Future { return d.future }

// SetInterPageDelay overrides the politeness pause. Zero disables it.
func (d *DownloadResource) SetInterPageDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// cancelled reports whether the enclosing project is going away; a
// cancelled task must neither advance its state machine nor sleep.
func (d *DownloadResource) cancelled() bool {
	return d.project.Closed()
}

// ChildDidComplete drives the state machine. It runs on the scheduler
// goroutine, after the completed child updated its bookkeeping.
func (d *DownloadResource) ChildDidComplete(child task.Task) {
	if d.cancelled() {
		d.resolveAndFinish(false)
		return
	}
	d.mu.Lock()
	phase := d.phase
	body, parse := d.body, d.parse
	d.mu.Unlock()

	switch {
	case phase == phaseBody && child == body.Leaf:
		d.bodyDidComplete()
	case phase == phaseParse && child == parse.Leaf:
		d.parseDidComplete()
	case phase == phaseChildren:
		d.updateProgress()
		if d.NumChildrenComplete() == len(d.Children()) {
			d.resolveAndFinish(true)
		}
	}
}

func (d *DownloadResource) bodyDidComplete() {
	value, err, _ := d.body.Future().Peek()
	if err != nil {
		d.future.Resolve(nil, err)
		d.finishOnly()
		return
	}
	rev := value.(*project.ResourceRevision)
	d.mu.Lock()
	d.headRevision = rev
	d.mu.Unlock()

	switch {
	case d.downloadedThisSession && !d.needsResult:
		// the caller will never look; a placeholder-fast finish avoids
		// re-walking a page tree that was already walked this session.
		// A body served from the archive in a fresh session does NOT
		// qualify: its embedded links still need rediscovering.
		d.resolveAndFinish(false)
	case rev.Err() != nil, rev.IsErrorPage(), rev.IsRecognizedBinaryType():
		// nothing to parse in error pages or known binary formats
		d.resolveAndFinish(true)
	default:
		parse := NewParseLinks(d.project, d.resource, rev)
		d.mu.Lock()
		d.parse = parse
		d.phase = phaseParse
		d.mu.Unlock()
		d.Append(parse.Leaf)
	}
}

func (d *DownloadResource) parseDidComplete() {
	value, err, _ := d.parse.Future().Peek()
	if errors.Is(err, project.ErrRevisionBodyMissing) {
		d.retryAfterMissingBody()
		return
	}
	if err != nil {
		d.future.Resolve(nil, err)
		d.finishOnly()
		return
	}
	result := value.(*ParseResult)
	appended := d.appendEmbeddedChildren(result)
	if appended == 0 {
		d.resolveAndFinish(true)
		return
	}
	d.mu.Lock()
	d.phase = phaseChildren
	d.childStart = time.Now()
	d.mu.Unlock()
	d.updateProgress()
}

// retryAfterMissingBody deletes the revision whose body vanished and
// downloads it again, once.
func (d *DownloadResource) retryAfterMissingBody() {
	d.mu.Lock()
	alreadyRetried := d.retriedBody
	d.retriedBody = true
	rev := d.headRevision
	d.mu.Unlock()

	if alreadyRetried {
		d.future.Resolve(nil, project.ErrRevisionBodyMissing)
		d.finishOnly()
		return
	}
	klog.Warningf("download: revision %d of %s lost its body; refetching", rev.ID(), d.resource.URL())
	if err := d.project.DeleteRevision(rev); err != nil {
		klog.Warningf("download: cannot delete bad revision %d: %v", rev.ID(), err)
	}
	body := NewDownloadBody(d.project, d.resource, d.fetcher, true)
	d.mu.Lock()
	d.body = body
	d.phase = phaseBody
	d.mu.Unlock()
	d.Append(body.Leaf)
}

// appendEmbeddedChildren spawns one child DownloadResource per embedded
// link, coalescing duplicates and honoring the recursion ceiling, the
// download ancestry, and do-not-download groups.
func (d *DownloadResource) appendEmbeddedChildren(result *ParseResult) int {
	if d.depth+1 > maxEmbeddedRecursionDepth {
		// deeper chains truncate silently
		return 0
	}
	appended := 0
	for _, l := range result.Links {
		if !l.Embedded || !l.Rewritable || l.Implicit {
			continue
		}
		target, err := project.JoinURL(d.resource.URL(), l.RelativeURL)
		if err != nil {
			continue
		}
		r := result.Resources[target]
		if r == nil {
			r = d.project.GetResource(target)
		}
		if r == nil {
			continue
		}
		if d.ancestry[r.ID()] {
			continue
		}
		d.mu.Lock()
		seen := d.childSeen[r.ID()]
		d.childSeen[r.ID()] = true
		d.mu.Unlock()
		if seen {
			continue
		}
		if d.inDoNotDownloadGroup(target) {
			klog.V(6).Infof("download: %s is in a do-not-download group, skipping", target)
			continue
		}
		child := newDownloadResource(d.project, r, d.fetcher, d.depth+1, false, d.ancestry)
		d.Append(child.Container)
		appended++
	}
	return appended
}

func (d *DownloadResource) inDoNotDownloadGroup(url string) bool {
	for _, g := range d.project.ResourceGroups() {
		if g.DoNotDownload() && g.Matches(url) {
			return true
		}
	}
	return false
}

// updateProgress advertises "k of n items" plus a remaining-time estimate
// once at least one child finished.
func (d *DownloadResource) updateProgress() {
	children := d.Children()
	total := len(children)
	complete := d.NumChildrenComplete()
	d.mu.Lock()
	start := d.childStart
	d.mu.Unlock()

	subtitle := fmt.Sprintf("%d of %d item(s)", complete, total)
	if complete > 0 && complete < total && !start.IsZero() {
		elapsed := time.Since(start)
		remaining := time.Duration(float64(elapsed) / float64(complete) * float64(total-complete))
		subtitle += fmt.Sprintf(" — %s remaining", remaining.Round(time.Second))
	}
	d.SetSubtitle(subtitle)
}

// resolveAndFinish resolves the future with the head revision and marks
// the container complete. When mayDelay is set, the top-level politeness
// pause applies first — unless the body came from cache or the project is
// closing.
func (d *DownloadResource) resolveAndFinish(mayDelay bool) {
	d.mu.Lock()
	if d.phase == phaseDone {
		d.mu.Unlock()
		return
	}
	d.phase = phaseDone
	rev := d.headRevision
	delay := d.delay
	d.mu.Unlock()

	if mayDelay && d.depth == 0 && delay > 0 &&
		d.body.FetchedFromNetwork() && !d.cancelled() {
		d.sleep(delay)
	}
	// later downloads of this resource within the session may now take
	// the fast path, whether this body came from the network or the archive
	if rev != nil && rev.Err() == nil {
		d.resource.MarkDownloadedThisSession()
	}
	d.future.Resolve(rev, nil)
	d.Finish()
}

// finishOnly completes the container without touching the future; the
// caller resolved it already.
func (d *DownloadResource) finishOnly() {
	d.mu.Lock()
	d.phase = phaseDone
	d.mu.Unlock()
	d.Finish()
}

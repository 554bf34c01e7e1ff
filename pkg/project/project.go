// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package project implements the persistent catalog of resources, root
// resources, groups, and revisions, plus the project façade that owns the
// task tree and scheduler.
package project

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/fg"
	"github.com/crystal-archiver/crystal/pkg/task"
)

const (
	// ProjectExtension is the directory name extension marking a project.
	ProjectExtension = ".crystalproj"

	databaseFilename = "database.sqlite"
	revisionsDirname = "revisions"
	tmpDirname       = "tmp"
	markerFilename   = ".crystalopen"

	// supportedMajorVersion is the newest on-disk format this build opens.
	supportedMajorVersion = 3
	// defaultMajorVersion is the format new projects are created with.
	defaultMajorVersion = 2
)

// Well-known project property names.
const (
	PropertyMajorVersion     = "major_version"
	PropertyDefaultURLPrefix = "default_url_prefix"
	PropertyRequestCookie    = "request_cookie"
	PropertyMinFetchDate     = "min_fetch_date"
	PropertyHTMLParserType   = "html_parser_type"
)

// Options configures Open.
type Options struct {
	// ReadOnly refuses all mutations and skips open-time repair.
	ReadOnly bool
	// RequestCookie overrides the stored request_cookie property for this
	// session only.
	RequestCookie string
}

// Project is an open archive. It exclusively owns all Resources,
// RootResources, ResourceGroups, and ResourceRevisions, and the task tree
// that downloads into them.
type Project struct {
	path     string
	readOnly bool

	db *sql.DB
	fg *fg.Executor

	majorVersion  int
	sessionCookie string

	// mu guards the in-memory arenas and property cache. Mutations happen
	// on the foreground goroutine; reads may come from any goroutine.
	mu             sync.RWMutex
	resourcesByURL map[string]*Resource
	resourcesByID  map[int64]*Resource
	rootResources  map[int64]*RootResource
	groups         map[int64]*ResourceGroup
	properties     map[string]string
	closed         bool

	listeners listenerList

	rootTask  *task.RootTask
	scheduler *task.Scheduler
}

// Open opens the project directory at path, creating the on-disk layout if
// absent. The directory conventionally carries the .crystalproj extension.
func Open(path string, opts Options) (*Project, error) {
	if err := ensureLayout(path, opts.ReadOnly); err != nil {
		return nil, err
	}

	db, err := openDatabase(filepath.Join(path, databaseFilename), opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	p := &Project{
		path:           path,
		readOnly:       opts.ReadOnly,
		db:             db,
		fg:             fg.NewExecutor(),
		sessionCookie:  opts.RequestCookie,
		resourcesByURL: map[string]*Resource{},
		resourcesByID:  map[int64]*Resource{},
		rootResources:  map[int64]*RootResource{},
		groups:         map[int64]*ResourceGroup{},
		properties:     map[string]string{},
	}
	if err := p.loadCatalog(); err != nil {
		p.fg.Close()
		db.Close()
		return nil, err
	}
	if p.majorVersion > supportedMajorVersion {
		p.fg.Close()
		db.Close()
		return nil, fmt.Errorf("%w: major version %d, newest supported is %d",
			ErrProjectTooNew, p.majorVersion, supportedMajorVersion)
	}
	if !opts.ReadOnly {
		if err := p.repairOnOpen(); err != nil {
			klog.Warningf("project: open-time repair incomplete: %v", err)
		}
	}

	p.rootTask = task.NewRootTask()
	p.scheduler = task.StartScheduler(p.rootTask)
	klog.Infof("project: opened %s (major version %d, read-only=%v)", path, p.majorVersion, opts.ReadOnly)
	return p, nil
}

// ensureLayout creates or validates the project directory skeleton.
func ensureLayout(path string, readOnly bool) error {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if readOnly {
			return ErrNotAProject
		}
		for _, dir := range []string{path, filepath.Join(path, revisionsDirname), filepath.Join(path, tmpDirname)} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating project layout: %w", err)
			}
		}
		if err := os.WriteFile(filepath.Join(path, markerFilename), nil, 0o644); err != nil {
			return fmt.Errorf("creating project marker: %w", err)
		}
		readme := "This directory is a Crystal project. Open it with the crystal tool.\n"
		if err := os.WriteFile(filepath.Join(path, "README"), []byte(readme), 0o644); err != nil {
			klog.V(6).Infof("project: cannot write README: %v", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("inspecting project path: %w", err)
	case !info.IsDir():
		return ErrNotAProject
	default:
		if _, err := os.Stat(filepath.Join(path, markerFilename)); err != nil {
			return ErrNotAProject
		}
		if !readOnly {
			// layout directories may be missing in a hand-damaged project
			for _, dir := range []string{filepath.Join(path, revisionsDirname), filepath.Join(path, tmpDirname)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("restoring project layout: %w", err)
				}
			}
		}
		return nil
	}
}

// loadCatalog populates the in-memory arenas from the database.
func (p *Project) loadCatalog() error {
	rows, err := p.db.Query("SELECT name, value FROM project_property")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var name, value string
			if err := rows.Scan(&name, &value); err != nil {
				return fmt.Errorf("loading properties: %w", err)
			}
			p.properties[name] = value
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("loading properties: %w", err)
		}
	} else if !p.readOnly {
		return fmt.Errorf("loading properties: %w", err)
	}

	if v, ok := p.properties[PropertyMajorVersion]; ok {
		p.majorVersion, err = strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing major version %q: %w", v, err)
		}
	} else {
		p.majorVersion = defaultMajorVersion
		if !p.readOnly {
			if err := p.storeProperty(PropertyMajorVersion, strconv.Itoa(defaultMajorVersion)); err != nil {
				return err
			}
		}
	}

	if err := p.loadResources(); err != nil {
		return err
	}
	if err := p.loadRootResources(); err != nil {
		return err
	}
	return p.loadGroups()
}

// Path returns the project directory.
func (p *Project) Path() string { return p.path }

// ReadOnly reports whether mutations are refused.
func (p *Project) ReadOnly() bool { return p.readOnly }

// MajorVersion returns the on-disk format version.
func (p *Project) MajorVersion() int { return p.majorVersion }

// Closed reports whether Close ran.
func (p *Project) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// AddListener subscribes l to model events.
func (p *Project) AddListener(l ModelListener) { p.listeners.add(l) }

// RemoveListener unsubscribes l.
func (p *Project) RemoveListener(l ModelListener) { p.listeners.remove(l) }

// RootTask returns the top of the project's task tree.
func (p *Project) RootTask() *task.RootTask { return p.rootTask }

// AddTopLevelTask appends t to the root task for the scheduler to pick up.
func (p *Project) AddTopLevelTask(t task.Task) error {
	if p.Closed() {
		return ErrProjectClosed
	}
	p.rootTask.Append(t)
	return nil
}

// Foreground returns the executor serializing model mutations.
func (p *Project) Foreground() *fg.Executor { return p.fg }

// onForeground runs fn on the foreground goroutine and waits for it.
func (p *Project) onForeground(fn func() (interface{}, error)) (interface{}, error) {
	v, err := p.fg.CallAndWait(fn)
	if err == fg.ErrClosed {
		return nil, ErrProjectClosed
	}
	return v, err
}

// checkWritable is called at the head of every mutation.
func (p *Project) checkWritable() error {
	if p.readOnly {
		return ErrProjectReadOnly
	}
	if p.Closed() {
		return ErrProjectClosed
	}
	return nil
}

// Property returns the stored project property, or "" when unset.
func (p *Project) Property(name string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.properties[name]
}

// SetProperty persists a project property.
func (p *Project) SetProperty(name, value string) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	_, err := p.onForeground(func() (interface{}, error) {
		return nil, p.storeProperty(name, value)
	})
	return err
}

func (p *Project) storeProperty(name, value string) error {
	_, err := p.db.Exec(
		"INSERT INTO project_property (name, value) VALUES (?, ?) "+
			"ON CONFLICT (name) DO UPDATE SET value = excluded.value",
		name, value)
	if err != nil {
		return fmt.Errorf("storing property %s: %w", name, err)
	}
	p.mu.Lock()
	p.properties[name] = value
	p.mu.Unlock()
	return nil
}

// RequestCookieFor returns the cookie header value to send for url, or ""
// when none applies. The session cookie (from the CLI) wins over the stored
// property. The cookie's scope is the origin of the default URL prefix;
// with no prefix configured the cookie applies everywhere.
func (p *Project) RequestCookieFor(url string) string {
	cookie := p.sessionCookie
	if cookie == "" {
		cookie = p.Property(PropertyRequestCookie)
	}
	if cookie == "" {
		return ""
	}
	prefix := p.Property(PropertyDefaultURLPrefix)
	if prefix == "" || sameOrigin(prefix, url) {
		return cookie
	}
	return ""
}

// Close stops the scheduler, flushes pending foreground work, and releases
// the database. Safe to call once; later model calls fail with
// ErrProjectClosed.
func (p *Project) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var result *multierror.Error

	// Finish the root task; the scheduler observes completion on its next
	// pass. The close path must not rendezvous with the foreground
	// executor while the scheduler might be blocked in one.
	p.rootTask.Close()
	p.scheduler.Wait()
	p.fg.Close()

	if err := p.db.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
	}
	klog.Infof("project: closed %s", p.path)
	return result.ErrorOrNil()
}

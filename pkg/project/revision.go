// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// maxRevisionID is the highest id the 15-hex-digit path encoding can hold.
const maxRevisionID = int64(1)<<60 - 1

// RevisionMetadata is the response metadata of a successful HTTP fetch.
// Headers are stored in the order given; the download client emits names
// sorted, with each name's values in receive order.
type RevisionMetadata struct {
	HTTPVersion  int        `json:"http_version"`
	StatusCode   int        `json:"status_code"`
	ReasonPhrase string     `json:"reason_phrase"`
	Headers      [][]string `json:"headers"`
}

// FirstHeader returns the first value of the named header, or "".
func (m *RevisionMetadata) FirstHeader(name string) string {
	for _, h := range m.Headers {
		if len(h) == 2 && strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// AllHeaders returns every value of the named header, in order.
func (m *RevisionMetadata) AllHeaders(name string) []string {
	var out []string
	for _, h := range m.Headers {
		if len(h) == 2 && strings.EqualFold(h[0], name) {
			out = append(out, h[1])
		}
	}
	return out
}

// RevisionError is the stored error record of a failed fetch.
type RevisionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// RevisionPayload is what a download hands to AppendRevision: either Error
// or Metadata+Body, never both.
type RevisionPayload struct {
	Error    *RevisionError
	Metadata *RevisionMetadata
	Body     io.Reader
}

// ResourceRevision is one download attempt of a resource.
type ResourceRevision struct {
	project       *Project
	id            int64
	resourceID    int64
	requestCookie string
	errInfo       *RevisionError
	metadata      *RevisionMetadata
}

// ID returns the revision's monotonically-assigned id.
func (rev *ResourceRevision) ID() int64 { return rev.id }

// ResourceID returns the owning resource's id.
func (rev *ResourceRevision) ResourceID() int64 { return rev.resourceID }

// Resource returns the owning resource.
func (rev *ResourceRevision) Resource() *Resource {
	rev.project.mu.RLock()
	defer rev.project.mu.RUnlock()
	return rev.project.resourcesByID[rev.resourceID]
}

// RequestCookie returns the cookie sent with the originating request.
func (rev *ResourceRevision) RequestCookie() string { return rev.requestCookie }

// Err returns the stored error record, or nil for a successful fetch.
func (rev *ResourceRevision) Err() *RevisionError { return rev.errInfo }

// Metadata returns the response metadata; nil for error revisions and
// non-HTTP fetches.
func (rev *ResourceRevision) Metadata() *RevisionMetadata { return rev.metadata }

// HasBody reports whether a body file exists for this revision.
func (rev *ResourceRevision) HasBody() bool { return rev.errInfo == nil }

// StatusCode returns the HTTP status, or 0 for non-HTTP revisions.
func (rev *ResourceRevision) StatusCode() int {
	if rev.metadata == nil {
		return 0
	}
	return rev.metadata.StatusCode
}

// IsRedirect reports whether this revision is an HTTP 3xx response.
func (rev *ResourceRevision) IsRedirect() bool {
	return rev.metadata != nil && rev.metadata.StatusCode/100 == 3
}

// IsErrorPage reports whether this revision is an HTTP 4xx/5xx response.
func (rev *ResourceRevision) IsErrorPage() bool {
	return rev.metadata != nil && rev.metadata.StatusCode/100 >= 4
}

// Redirect returns the Location target of a 3xx revision, or "".
func (rev *ResourceRevision) Redirect() string {
	if !rev.IsRedirect() {
		return ""
	}
	return rev.metadata.FirstHeader("Location")
}

// Date returns the response Date header, or the zero time.
func (rev *ResourceRevision) Date() time.Time {
	if rev.metadata == nil {
		return time.Time{}
	}
	t, err := http.ParseTime(rev.metadata.FirstHeader("Date"))
	if err != nil {
		return time.Time{}
	}
	return t
}

// ContentTypeWithOptions returns the declared Content-Type with parameters,
// or "".
func (rev *ResourceRevision) ContentTypeWithOptions() string {
	if rev.metadata == nil {
		return ""
	}
	return rev.metadata.FirstHeader("Content-Type")
}

// ContentType returns the bare media type. When no Content-Type was
// declared (non-HTTP fetches), the URL's extension is sniffed instead.
func (rev *ResourceRevision) ContentType() string {
	if declared := rev.ContentTypeWithOptions(); declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err == nil {
			return mediaType
		}
		return strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	}
	r := rev.Resource()
	if r == nil {
		return ""
	}
	u, err := url.Parse(r.URL())
	if err != nil {
		return ""
	}
	guessed := mime.TypeByExtension(path.Ext(u.Path))
	if guessed == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(guessed)
	if err != nil {
		return ""
	}
	return mediaType
}

// DeclaredCharset returns the charset parameter of the Content-Type, or "".
func (rev *ResourceRevision) DeclaredCharset() string {
	declared := rev.ContentTypeWithOptions()
	if declared == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(declared)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// IsHTML reports whether the revision body is an HTML document.
func (rev *ResourceRevision) IsHTML() bool { return rev.ContentType() == "text/html" }

// IsRecognizedBinaryType reports whether the content type is a known
// binary format that cannot contain links.
func (rev *ResourceRevision) IsRecognizedBinaryType() bool {
	return recognizedBinaryTypes[rev.ContentType()]
}

var recognizedBinaryTypes = map[string]bool{
	"application/gzip":              true,
	"application/java-archive":      true,
	"application/zip":               true,
	"application/vnd.rar":           true,
	"application/x-tar":             true,
	"application/x-7z-compressed":   true,
	"application/vnd.ms-fontobject": true,

	"audio/aac":    true,
	"audio/mp4":    true,
	"audio/mpeg":   true,
	"audio/ogg":    true,
	"audio/opus":   true,
	"audio/vorbis": true,
	"audio/midi":   true,
	"audio/x-midi": true,
	"audio/wav":    true,
	"audio/webm":   true,

	"font/otf":   true,
	"font/ttf":   true,
	"font/woff":  true,
	"font/woff2": true,

	"image/apng": true,
	"image/bmp":  true,
	"image/gif":  true,
	"image/jpeg": true,
	"image/png":  true,
	// (NOT image/svg+xml, which is XML and may carry links)
	"image/tiff":               true,
	"image/webp":               true,
	"image/vnd.microsoft.icon": true,

	"video/mp4":       true,
	"video/ogg":       true,
	"video/quicktime": true,
	"video/x-msvideo": true,
	"video/mpeg":      true,
	"video/webm":      true,
}

// revisionRelPath encodes a revision id as the 3/3/3/3/3 split of its
// 15-hex-digit form.
func revisionRelPath(id int64) (string, error) {
	if id < 0 || id > maxRevisionID {
		return "", &TooManyRevisionsError{ID: id}
	}
	hex := fmt.Sprintf("%015x", id)
	return filepath.Join(hex[0:3], hex[3:6], hex[6:9], hex[9:12], hex[12:15]), nil
}

// bodyPath returns the on-disk location of the revision body for the
// project's major version. For version 3 the returned path is the pack zip
// holding the body; entry names the member inside it.
func (p *Project) bodyPath(id int64) (bodyPath, entry string, err error) {
	rel, err := revisionRelPath(id)
	if err != nil {
		return "", "", err
	}
	switch {
	case p.majorVersion >= 3:
		dir, last := filepath.Split(rel)
		return filepath.Join(p.path, revisionsDirname, dir, last[:2]+"_.zip"), last[2:], nil
	default:
		return filepath.Join(p.path, revisionsDirname, rel), "", nil
	}
}

// AppendRevision records one download attempt of r. For successful fetches
// the database row and the body file are kept consistent: the row is
// inserted in an open transaction on the foreground goroutine, the body is
// streamed to a temp file on the calling goroutine and fsynced, the
// transaction commits, and only then is the temp file renamed into its
// final path. Either failure rolls the other side back.
func (p *Project) AppendRevision(r *Resource, payload RevisionPayload, requestCookie string) (*ResourceRevision, error) {
	if err := p.checkWritable(); err != nil {
		return nil, err
	}
	if r.project != p {
		return nil, ErrCrossProjectReference
	}
	if (payload.Error == nil) == (payload.Metadata == nil && payload.Body == nil) {
		return nil, fmt.Errorf("project: revision payload must carry exactly one of error and response")
	}

	// Step 1: any concurrent reader must stop trusting the no-revisions
	// shortcut before the write begins.
	r.definitelyHasNoRevisions.Store(false)

	if payload.Error != nil {
		return p.appendErrorRevision(r, payload.Error, requestCookie)
	}
	return p.appendBodyRevision(r, payload, requestCookie)
}

func (p *Project) appendErrorRevision(r *Resource, revErr *RevisionError, requestCookie string) (*ResourceRevision, error) {
	errJSON, err := json.Marshal(revErr)
	if err != nil {
		return nil, fmt.Errorf("encoding revision error: %w", err)
	}
	v, err := p.onForeground(func() (interface{}, error) {
		res, err := p.db.Exec(
			"INSERT INTO resource_revision (resource_id, request_cookie, error, metadata) VALUES (?, ?, ?, NULL)",
			r.id, nullable(requestCookie), string(errJSON))
		if err != nil {
			return nil, fmt.Errorf("inserting error revision: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("inserting error revision: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return nil, err
	}
	return &ResourceRevision{
		project:       p,
		id:            v.(int64),
		resourceID:    r.id,
		requestCookie: requestCookie,
		errInfo:       revErr,
	}, nil
}

func (p *Project) appendBodyRevision(r *Resource, payload RevisionPayload, requestCookie string) (*ResourceRevision, error) {
	// non-HTTP fetches carry a body but no metadata; the column stays NULL
	var metaValue interface{}
	if payload.Metadata != nil {
		metaJSON, err := json.Marshal(payload.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding revision metadata: %w", err)
		}
		metaValue = string(metaJSON)
	}

	// Step 2: open a transaction and insert the row on the foreground
	// goroutine; the transaction stays open across the body write.
	v, err := p.onForeground(func() (interface{}, error) {
		tx, err := p.db.Begin()
		if err != nil {
			return nil, fmt.Errorf("beginning revision transaction: %w", err)
		}
		res, err := tx.Exec(
			"INSERT INTO resource_revision (resource_id, request_cookie, error, metadata) VALUES (?, ?, NULL, ?)",
			r.id, nullable(requestCookie), metaValue)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting revision: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting revision: %w", err)
		}
		return &openInsert{tx: tx, id: id}, nil
	})
	if err != nil {
		return nil, err
	}
	ins := v.(*openInsert)

	rollback := func() {
		_, _ = p.onForeground(func() (interface{}, error) {
			return nil, ins.tx.Rollback()
		})
	}

	// Step 3: stream the body into tmp/ on this (scheduler) goroutine.
	tmpPath := filepath.Join(p.path, tmpDirname, uuid.New().String())
	if err := writeBodyFile(tmpPath, payload.Body); err != nil {
		rollback()
		os.Remove(tmpPath)
		return nil, err
	}

	// make sure the committed row will have a representable body path
	finalPath, entry, err := p.bodyPath(ins.id)
	if err != nil {
		rollback()
		os.Remove(tmpPath)
		return nil, err
	}

	// Step 4: commit the row.
	if _, err := p.onForeground(func() (interface{}, error) {
		return nil, ins.tx.Commit()
	}); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("committing revision: %w", err)
	}

	// Step 5: publish the body under its final path. A failure here leaves
	// the committed row dangling; the next read-write open repairs it.
	if err := p.publishBody(tmpPath, finalPath, entry); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("publishing revision body: %w", err)
	}

	return &ResourceRevision{
		project:       p,
		id:            ins.id,
		resourceID:    r.id,
		requestCookie: requestCookie,
		metadata:      payload.Metadata,
	}, nil
}

type openInsert struct {
	tx *sql.Tx
	id int64
}

func writeBodyFile(path string, body io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating temp body file: %w", err)
	}
	if body != nil {
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			return fmt.Errorf("writing body: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing body: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing body: %w", err)
	}
	return nil
}

// publishBody moves a temp body file into place, creating the parent
// directory on demand. For pack projects the body is appended to its pack.
func (p *Project) publishBody(tmpPath, finalPath, entry string) error {
	if entry != "" {
		return appendPackEntry(finalPath, entry, tmpPath)
	}
	err := os.Rename(tmpPath, finalPath)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(finalPath), 0o755); mkErr != nil {
			return mkErr
		}
		err = os.Rename(tmpPath, finalPath)
	}
	if err != nil {
		return err
	}
	syncDir(filepath.Dir(finalPath))
	return nil
}

// syncDir fsyncs a directory so a rename survives power loss on platforms
// where rename alone is not durable.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		klog.V(6).Infof("project: cannot sync directory %s: %v", dir, err)
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ReadRevisionBody opens the revision's stored body for reading.
func (p *Project) ReadRevisionBody(rev *ResourceRevision) (io.ReadCloser, error) {
	if !rev.HasBody() {
		return nil, ErrNoRevisionBody
	}
	bodyPath, entry, err := p.bodyPath(rev.id)
	if err != nil {
		return nil, err
	}
	if entry != "" {
		return readPackEntry(bodyPath, entry)
	}
	f, err := os.Open(bodyPath)
	if os.IsNotExist(err) {
		return nil, ErrRevisionBodyMissing
	}
	if err != nil {
		return nil, fmt.Errorf("opening revision body: %w", err)
	}
	return f, nil
}

// RevisionSize returns the size of the revision body in bytes.
func (p *Project) RevisionSize(rev *ResourceRevision) (int64, error) {
	if !rev.HasBody() {
		return 0, ErrNoRevisionBody
	}
	bodyPath, entry, err := p.bodyPath(rev.id)
	if err != nil {
		return 0, err
	}
	if entry != "" {
		return packEntrySize(bodyPath, entry)
	}
	info, err := os.Stat(bodyPath)
	if os.IsNotExist(err) {
		return 0, ErrRevisionBodyMissing
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Revisions returns every revision of r, ordered by id.
func (p *Project) Revisions(r *Resource) ([]*ResourceRevision, error) {
	if r.definitelyHasNoRevisions.Load() {
		return nil, nil
	}
	v, err := p.onForeground(func() (interface{}, error) {
		revs, err := p.revisionsOnFg(r)
		if err != nil {
			return nil, err
		}
		return revs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*ResourceRevision), nil
}

func (p *Project) revisionsOnFg(r *Resource) ([]*ResourceRevision, error) {
	rows, err := p.db.Query(
		"SELECT id, request_cookie, error, metadata FROM resource_revision WHERE resource_id = ? ORDER BY id",
		r.id)
	if err != nil {
		if isClosedError(err) {
			return nil, ErrProjectClosed
		}
		return nil, fmt.Errorf("loading revisions of %s: %w", r.url, err)
	}
	defer rows.Close()
	var out []*ResourceRevision
	for rows.Next() {
		rev, err := p.scanRevision(rows, r.id)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (p *Project) scanRevision(rows *sql.Rows, resourceID int64) (*ResourceRevision, error) {
	var (
		id                        int64
		cookie, errJSON, metaJSON sql.NullString
	)
	if err := rows.Scan(&id, &cookie, &errJSON, &metaJSON); err != nil {
		return nil, fmt.Errorf("scanning revision: %w", err)
	}
	rev := &ResourceRevision{
		project:       p,
		id:            id,
		resourceID:    resourceID,
		requestCookie: cookie.String,
	}
	if errJSON.Valid {
		rev.errInfo = &RevisionError{}
		if err := json.Unmarshal([]byte(errJSON.String), rev.errInfo); err != nil {
			return nil, fmt.Errorf("decoding revision %d error: %w", id, err)
		}
	}
	if metaJSON.Valid {
		rev.metadata = &RevisionMetadata{}
		if err := json.Unmarshal([]byte(metaJSON.String), rev.metadata); err != nil {
			return nil, fmt.Errorf("decoding revision %d metadata: %w", id, err)
		}
	}
	return rev, nil
}

// DefaultRevision returns the revision used for serving and parsing: the
// most recent successful one, or nil when none exists. An HTTP 304 head
// revision is resolved to the stored revision its ETag names; a 304 with
// no resolvable ETag is returned as-is.
func (p *Project) DefaultRevision(r *Resource) (*ResourceRevision, error) {
	revs, err := p.Revisions(r)
	if err != nil {
		return nil, err
	}
	for i := len(revs) - 1; i >= 0; i-- {
		if !revs[i].HasBody() {
			continue
		}
		rev := revs[i]
		if rev.StatusCode() == http.StatusNotModified {
			if resolved := resolveHTTP304(rev, revs[:i]); resolved != nil {
				return resolved, nil
			}
		}
		return rev, nil
	}
	return nil, nil
}

// resolveHTTP304 follows a 304 Not Modified revision to the earlier
// revision carrying the same ETag and returns a composite view: the
// target's status and body with the 304's header fields overlaid per
// RFC 7232 §4.1. The composite shares the target's id so body reads open
// the target's file; it is a read view, not a stored row. Returns nil
// when no ETag matches (a 304 with several candidate ETags stays
// unresolvable).
func resolveHTTP304(notModified *ResourceRevision, earlier []*ResourceRevision) *ResourceRevision {
	etag := notModified.metadata.FirstHeader("ETag")
	if etag == "" {
		return nil
	}
	for i := len(earlier) - 1; i >= 0; i-- {
		target := earlier[i]
		if !target.HasBody() || target.metadata == nil {
			continue
		}
		if target.StatusCode() == http.StatusNotModified {
			continue
		}
		if target.metadata.FirstHeader("ETag") != etag {
			continue
		}
		return &ResourceRevision{
			project:       notModified.project,
			id:            target.id,
			resourceID:    notModified.resourceID,
			requestCookie: notModified.requestCookie,
			metadata: &RevisionMetadata{
				HTTPVersion:  target.metadata.HTTPVersion,
				StatusCode:   target.metadata.StatusCode,
				ReasonPhrase: target.metadata.ReasonPhrase,
				Headers:      overlayHeaders(target.metadata.Headers, notModified.metadata.Headers),
			},
		}
	}
	return nil
}

// overlayHeaders updates base header fields with those from overlay: a
// name present in overlay replaces every base entry of that name at its
// first position; names new in overlay append at the end.
func overlayHeaders(base, overlay [][]string) [][]string {
	replacements := map[string][][]string{}
	var overlayOrder []string
	for _, h := range overlay {
		if len(h) != 2 {
			continue
		}
		key := strings.ToLower(h[0])
		if _, ok := replacements[key]; !ok {
			overlayOrder = append(overlayOrder, key)
		}
		replacements[key] = append(replacements[key], h)
	}

	var out [][]string
	emitted := map[string]bool{}
	for _, h := range base {
		if len(h) != 2 {
			continue
		}
		key := strings.ToLower(h[0])
		if replacement, ok := replacements[key]; ok {
			if !emitted[key] {
				emitted[key] = true
				out = append(out, replacement...)
			}
			continue
		}
		out = append(out, h)
	}
	for _, key := range overlayOrder {
		if !emitted[key] {
			out = append(out, replacements[key]...)
		}
	}
	return out
}

// KnownETags returns the ETag of every stored revision of r, oldest first.
func (p *Project) KnownETags(r *Resource) ([]string, error) {
	revs, err := p.Revisions(r)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rev := range revs {
		if rev.metadata == nil {
			continue
		}
		if etag := rev.metadata.FirstHeader("ETag"); etag != "" {
			out = append(out, etag)
		}
	}
	return out, nil
}

// UpdateMetadata is the narrow repair path for revision metadata, used to
// resolve 304 responses after the fact. No other revision mutation exists.
func (p *Project) UpdateMetadata(rev *ResourceRevision, metadata *RevisionMetadata) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding revision metadata: %w", err)
	}
	_, err = p.onForeground(func() (interface{}, error) {
		_, err := p.db.Exec(
			"UPDATE resource_revision SET metadata = ? WHERE id = ? AND error IS NULL",
			string(metaJSON), rev.id)
		return nil, err
	})
	if err != nil {
		return err
	}
	rev.metadata = metadata
	return nil
}

// DeleteRevision removes the revision row and its body file, in that
// order: a reader that opens the body between the two events still reads
// valid bytes.
func (p *Project) DeleteRevision(rev *ResourceRevision) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	_, err := p.onForeground(func() (interface{}, error) {
		return nil, p.deleteRevisionOnFg(rev)
	})
	return err
}

func (p *Project) deleteRevisionOnFg(rev *ResourceRevision) error {
	if _, err := p.db.Exec("DELETE FROM resource_revision WHERE id = ?", rev.id); err != nil {
		return fmt.Errorf("deleting revision %d: %w", rev.id, err)
	}
	if rev.HasBody() {
		bodyPath, entry, err := p.bodyPath(rev.id)
		if err == nil {
			if entry != "" {
				err = removePackEntry(bodyPath, entry)
			} else {
				err = os.Remove(bodyPath)
			}
			if err != nil && !os.IsNotExist(err) {
				klog.Warningf("project: cannot remove body of revision %d: %v", rev.id, err)
			}
		}
	}
	if r := rev.Resource(); r != nil {
		r.resetDownloadState()
	}
	return nil
}

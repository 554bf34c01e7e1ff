// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package server replays archived pages over local HTTP so they can be
// reopened in a browser. Outbound links in served documents are rewritten
// to stay inside the archive.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
)

// archivePrefix is the path prefix encoding archive URLs:
// /_/https/example.com/path?query
const archivePrefix = "/_/"

// Server serves one project's archive.
type Server struct {
	project *project.Project
	httpSrv *http.Server
	ln      net.Listener
}

// New creates a server for p listening on addr (ex: "127.0.0.1:2797").
func New(p *project.Project, addr string) *Server {
	s := &Server{project: p}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening. It returns once the listener is bound; serving
// continues on background goroutines until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.ln = ln
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			klog.Errorf("server: %v", err)
		}
	}()
	klog.Infof("server: serving archive at http://%s/", s.Addr())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.httpSrv.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// archiveURLForRequest translates a request path back to the archive URL
// it encodes.
func archiveURLForRequest(r *http.Request) (string, bool) {
	if !strings.HasPrefix(r.URL.Path, archivePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(r.URL.Path, archivePrefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 {
		return "", false
	}
	scheme, host := parts[0], parts[1]
	path := "/"
	if len(parts) == 3 {
		path += parts[2]
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path, RawQuery: r.URL.RawQuery}
	return u.String(), true
}

// requestPathForArchiveURL is the inverse mapping, used when rewriting
// document links.
func requestPathForArchiveURL(archiveURL string) (string, bool) {
	u, err := url.Parse(archiveURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
	default:
		return "", false
	}
	p := archivePrefix + u.Scheme + "/" + u.Host + u.EscapedPath()
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, true
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	archiveURL, ok := archiveURLForRequest(r)
	if !ok {
		// bare paths resolve against the project's default URL prefix
		prefix := s.project.Property(project.PropertyDefaultURLPrefix)
		if prefix == "" {
			http.NotFound(w, r)
			return
		}
		joined, err := project.JoinURL(prefix, r.URL.RequestURI())
		if err != nil {
			http.NotFound(w, r)
			return
		}
		archiveURL = joined
	}

	res := s.project.GetResource(archiveURL)
	if res == nil {
		s.serveNotInArchive(w, archiveURL)
		return
	}
	rev, err := s.project.DefaultRevision(res)
	if err != nil || rev == nil {
		s.serveNotInArchive(w, archiveURL)
		return
	}

	// an unresolvable 304 is formally 3xx but carries no Location
	if loc := rev.Redirect(); rev.IsRedirect() && loc != "" {
		if target, err := project.JoinURL(archiveURL, loc); err == nil {
			if p, ok := requestPathForArchiveURL(target); ok {
				http.Redirect(w, r, p, http.StatusFound)
				return
			}
		}
	}

	body, err := s.project.ReadRevisionBody(rev)
	if err != nil {
		klog.Warningf("server: cannot read body of %s: %v", archiveURL, err)
		http.Error(w, "revision body missing", http.StatusInternalServerError)
		return
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "cannot read revision", http.StatusInternalServerError)
		return
	}

	switch rev.ContentType() {
	case "text/html":
		raw = rewriteHTML(raw, archiveURL)
	case "text/css":
		raw = rewriteCSS(raw, archiveURL)
	}

	copyFilteredHeaders(w.Header(), rev)
	status := rev.StatusCode()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(raw)
}

func (s *Server) serveNotInArchive(w http.ResponseWriter, archiveURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "<html><body><h1>Not in archive</h1><p>%s has not been downloaded.</p></body></html>",
		htmlEscape(archiveURL))
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// Headers replayed to the browser as stored.
var safeHeaders = map[string]bool{
	"content-type":     true,
	"date":             true,
	"last-modified":    true,
	"etag":             true,
	"vary":             true,
	"content-language": true,
	"retry-after":      true,
	"server":           true,
	"age":              true,
}

// Headers that must never be replayed: caching directives and
// transport-layer framing belong to the original exchange, not this one.
var unsafeHeaders = map[string]bool{
	"cache-control":             true,
	"expires":                   true,
	"pragma":                    true,
	"set-cookie":                true,
	"cookie":                    true,
	"connection":                true,
	"keep-alive":                true,
	"transfer-encoding":         true,
	"content-encoding":          true,
	"content-length":            true,
	"upgrade":                   true,
	"strict-transport-security": true,
	"public-key-pins":           true,
	"location":                  true,
}

// copyFilteredHeaders replays the revision's headers through the
// safe-list. Experimental (X-) headers pass; unknown headers are dropped
// with a warning so new ones get classified eventually.
func copyFilteredHeaders(dst http.Header, rev *project.ResourceRevision) {
	meta := rev.Metadata()
	if meta == nil {
		return
	}
	for _, h := range meta.Headers {
		if len(h) != 2 {
			continue
		}
		name, value := h[0], h[1]
		lower := strings.ToLower(name)
		switch {
		case safeHeaders[lower]:
			dst.Add(name, value)
		case unsafeHeaders[lower]:
			// dropped silently
		case strings.HasPrefix(lower, "x-"):
			dst.Add(name, value)
		default:
			klog.Warningf("server: dropping unclassified header %q", name)
		}
	}
}

// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package download implements the fetch client and the concrete task types
// of the download pipeline.
package download

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
)

// requestTimeout bounds one HTTP exchange.
const requestTimeout = 10 * time.Second

// userAgent identifies the tool to origin servers.
const userAgent = "Crystal/1.0 (+https://github.com/crystal-archiver/crystal)"

// Error type tokens stored in error revisions.
const (
	errTypeNotDownloadable = "NotADownloadableScheme"
	errTypeRequestFailed   = "HttpRequestFailed"
	errTypeFreeSpaceLow    = "ProjectFreeSpaceTooLow"
)

// Request describes one fetch.
type Request struct {
	URL string
	// Cookie is sent verbatim as the Cookie header when non-empty.
	Cookie string
	// KnownETags are joined into If-None-Match when non-empty.
	KnownETags []string
}

// Result is what a fetch produced: an error record, or metadata plus body.
// Non-HTTP fetches (FTP) carry a body but no metadata.
type Result struct {
	Error    *project.RevisionError
	Metadata *project.RevisionMetadata
	Body     io.ReadCloser
}

// Fetcher issues requests. The pipeline is written against this seam so
// tests can substitute a scripted origin.
type Fetcher interface {
	Fetch(req Request) *Result
}

var (
	// The TLS configuration is built once per process; Go's crypto/tls
	// loads the OS certificate trust stores on first use.
	httpClientOnce sync.Once
	httpClient     *http.Client
)

func sharedHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{}
		httpClient = &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
			// redirects are archived as revisions, never followed silently
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})
	return httpClient
}

// Client is the production Fetcher.
type Client struct{}

var _ Fetcher = (*Client)(nil)

// Fetch performs one download attempt. Network failures are surfaced as
// error records, not Go errors: every attempt is recorded as a revision.
func (c *Client) Fetch(req Request) *Result {
	u, err := url.Parse(req.URL)
	if err != nil {
		return errorResult(errTypeNotDownloadable, fmt.Sprintf("cannot parse URL: %v", err))
	}
	switch u.Scheme {
	case "http", "https":
		return c.fetchHTTP(req)
	case "ftp":
		return fetchFTP(u)
	default:
		return errorResult(errTypeNotDownloadable,
			fmt.Sprintf("cannot download URL with scheme %q", u.Scheme))
	}
}

func (c *Client) fetchHTTP(req Request) *Result {
	httpReq, err := http.NewRequest(http.MethodGet, req.URL, nil)
	if err != nil {
		return errorResult(errTypeRequestFailed, err.Error())
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if req.Cookie != "" {
		httpReq.Header.Set("Cookie", req.Cookie)
	}
	if len(req.KnownETags) > 0 {
		httpReq.Header.Set("If-None-Match", strings.Join(req.KnownETags, ", "))
	}

	klog.V(6).Infof("download: GET %s", req.URL)
	resp, err := sharedHTTPClient().Do(httpReq)
	if err != nil {
		return errorResult(errTypeRequestFailed, err.Error())
	}

	metadata := &project.RevisionMetadata{
		HTTPVersion:  resp.ProtoMajor*10 + resp.ProtoMinor,
		StatusCode:   resp.StatusCode,
		ReasonPhrase: reasonPhrase(resp),
		Headers:      flattenHeaders(resp.Header),
	}
	// RFC 7231 §7.1.1.2: a recipient with a clock records its own Date
	// when the origin sent none.
	if metadata.FirstHeader("Date") == "" {
		metadata.Headers = append(metadata.Headers,
			[]string{"Date", time.Now().UTC().Format(http.TimeFormat)})
	}
	return &Result{Metadata: metadata, Body: resp.Body}
}

func reasonPhrase(resp *http.Response) string {
	// Status is "200 OK"; strip the leading code
	if s := strings.SplitN(resp.Status, " ", 2); len(s) == 2 {
		return s[1]
	}
	return http.StatusText(resp.StatusCode)
}

// flattenHeaders converts an http.Header map into ordered name/value
// pairs. Names are emitted in sorted order with per-name values kept in
// receive order.
func flattenHeaders(h http.Header) [][]string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	var out [][]string
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, []string{name, value})
		}
	}
	return out
}

func errorResult(errType, message string) *Result {
	return &Result{Error: &project.RevisionError{Type: errType, Message: message}}
}

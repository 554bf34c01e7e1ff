// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package links extracts outbound links from archived document bodies.
package links

import (
	"net/url"
	"strings"
)

// Link is one outbound reference discovered in a document body.
type Link struct {
	// RelativeURL is the URL as written in the document, often relative.
	RelativeURL string
	// TypeTitle is a displayed title for the link's kind, ex: "Image".
	TypeTitle string
	// Title is a displayed title for the link itself, may be empty.
	Title string
	// Embedded is true for subresources fetched automatically when the
	// containing document is viewed.
	Embedded bool
	// Rewritable is true when the link can be rewritten to point inside
	// an archive.
	Rewritable bool
	// Implicit is true for links the document never wrote but browsers
	// fetch anyway (the /favicon.ico probe). Servers rewrite them;
	// downloads do not recurse into them.
	Implicit bool
}

// Extract parses body and returns its outbound links, in document order.
// contentType is the bare media type, ex: "text/html". declaredCharset may
// be empty. docPath is the URL path of the document, used for the implicit
// favicon rule.
func Extract(body []byte, declaredCharset, contentType, docPath string) []Link {
	switch contentType {
	case "text/html":
		return parseHTML(body, declaredCharset, docPath)
	case "text/css":
		return parseCSS(body, declaredCharset)
	case "application/json":
		return parseJSON(body, declaredCharset)
	case "text/xml", "application/xml", "application/rss+xml", "application/atom+xml":
		return parseXML(body, declaredCharset)
	default:
		return nil
	}
}

// RedirectLink returns the synthetic embedded link for an HTTP 3xx response.
func RedirectLink(location string) Link {
	return Link{
		RelativeURL: location,
		TypeTitle:   "Redirect",
		Embedded:    true,
		Rewritable:  true,
	}
}

// rewritableScheme reports whether a URL written in a document references
// something an archive can hold. Fragment-only references and pseudo-scheme
// URLs (mailto:, javascript:, data:) do not qualify.
func rewritableScheme(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "", "http", "https", "ftp":
		return true
	default:
		return false
	}
}

func appendIfRewritable(out []Link, l Link) []Link {
	if !rewritableScheme(l.RelativeURL) {
		return out
	}
	l.Rewritable = true
	return append(out, l)
}

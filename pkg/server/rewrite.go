// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"k8s.io/klog/v2"

	"github.com/crystal-archiver/crystal/pkg/project"
)

// rewriteHTML rewrites every link-bearing attribute of an HTML document so
// that navigation stays within the archive. Unparseable documents are
// served untouched.
func rewriteHTML(raw []byte, baseURL string) []byte {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		klog.V(6).Infof("server: serving unparseable HTML untouched: %v", err)
		return raw
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			rewriteElement(n, baseURL)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var out bytes.Buffer
	if err := html.Render(&out, doc); err != nil {
		return raw
	}
	return out.Bytes()
}

func rewriteElement(n *html.Node, baseURL string) {
	var attrs []string
	switch n.DataAtom {
	case atom.A, atom.Link, atom.Area:
		attrs = []string{"href"}
	case atom.Img:
		attrs = []string{"src", "srcset"}
	case atom.Script, atom.Frame, atom.Iframe, atom.Input, atom.Source, atom.Embed:
		attrs = []string{"src"}
	case atom.Form:
		attrs = []string{"action"}
	case atom.Body, atom.Table, atom.Td:
		attrs = []string{"background"}
	default:
		return
	}
	for i := range n.Attr {
		a := &n.Attr[i]
		for _, name := range attrs {
			if a.Key != name {
				continue
			}
			if name == "srcset" {
				a.Val = rewriteSrcset(a.Val, baseURL)
			} else {
				a.Val = rewriteRef(a.Val, baseURL)
			}
		}
	}
}

// rewriteRef maps one document reference onto the server's origin. Refs
// that do not resolve to an archivable URL pass through unchanged.
func rewriteRef(ref, baseURL string) string {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ref
	}
	abs, err := project.JoinURL(baseURL, trimmed)
	if err != nil {
		return ref
	}
	if p, ok := requestPathForArchiveURL(abs); ok {
		return p
	}
	return ref
}

func rewriteSrcset(srcset, baseURL string) string {
	candidates := strings.Split(srcset, ",")
	for i, candidate := range candidates {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		fields[0] = rewriteRef(fields[0], baseURL)
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

var cssRefRe = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'")\s][^)\s]*))\s*\)`)

// rewriteCSS rewrites url(...) references in a stylesheet.
func rewriteCSS(raw []byte, baseURL string) []byte {
	return cssRefRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := cssRefRe.FindSubmatch(m)
		var ref string
		for _, g := range groups[1:] {
			if len(g) > 0 {
				ref = string(g)
				break
			}
		}
		if ref == "" {
			return m
		}
		return []byte(`url("` + rewriteRef(ref, baseURL) + `")`)
	})
}

// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package links

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
	"k8s.io/klog/v2"
)

func parseHTML(body []byte, declaredCharset, docPath string) []Link {
	contentType := "text/html"
	if declaredCharset != "" {
		contentType += "; charset=" + declaredCharset
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		klog.V(6).Infof("links: falling back to raw bytes for charset %q: %v", declaredCharset, err)
		r = bytes.NewReader(body)
	}
	doc, err := html.Parse(r)
	if err != nil {
		klog.Warningf("links: cannot parse HTML document: %v", err)
		return nil
	}

	var (
		out        []Link
		hasFavicon bool
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			nodeLinks, favicon := elementLinks(n)
			if favicon {
				hasFavicon = true
			}
			for _, l := range nodeLinks {
				out = appendIfRewritable(out, l)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// Browsers fetch /favicon.ico for pages that declare no icon.
	if docPath == "/" && !hasFavicon {
		out = append(out, Link{
			RelativeURL: "/favicon.ico",
			TypeTitle:   "Icon",
			Embedded:    true,
			Rewritable:  true,
			Implicit:    true,
		})
	}
	return out
}

// elementLinks returns the links referenced by a single element and whether
// the element declares a favicon.
func elementLinks(n *html.Node) (out []Link, favicon bool) {
	switch n.DataAtom {
	case atom.A:
		if href := attrVal(n, "href"); href != "" {
			out = append(out, Link{
				RelativeURL: href,
				TypeTitle:   "Link",
				Title:       nodeText(n),
				Embedded:    false,
			})
		}
	case atom.Img:
		if src := attrVal(n, "src"); src != "" {
			out = append(out, Link{
				RelativeURL: src,
				TypeTitle:   "Image",
				Title:       attrVal(n, "alt"),
				Embedded:    true,
			})
		}
		for _, candidate := range srcsetURLs(attrVal(n, "srcset")) {
			out = append(out, Link{
				RelativeURL: candidate,
				TypeTitle:   "Image",
				Embedded:    true,
			})
		}
	case atom.Link:
		rel := strings.ToLower(attrVal(n, "rel"))
		href := attrVal(n, "href")
		if strings.Contains(rel, "icon") {
			favicon = true
		}
		if href == "" {
			break
		}
		typeTitle := "Resource"
		switch {
		case strings.Contains(rel, "stylesheet"):
			typeTitle = "Stylesheet"
		case strings.Contains(rel, "icon"):
			typeTitle = "Icon"
		}
		out = append(out, Link{
			RelativeURL: href,
			TypeTitle:   typeTitle,
			Embedded:    true,
		})
	case atom.Script:
		if src := attrVal(n, "src"); src != "" {
			out = append(out, Link{
				RelativeURL: src,
				TypeTitle:   "Script",
				Embedded:    true,
			})
		}
	case atom.Frame, atom.Iframe:
		if src := attrVal(n, "src"); src != "" {
			out = append(out, Link{
				RelativeURL: src,
				TypeTitle:   "Frame",
				Embedded:    true,
			})
		}
	case atom.Input:
		if strings.EqualFold(attrVal(n, "type"), "image") {
			if src := attrVal(n, "src"); src != "" {
				out = append(out, Link{
					RelativeURL: src,
					TypeTitle:   "Form Image",
					Embedded:    true,
				})
			}
		}
	case atom.Body, atom.Table, atom.Td:
		if bg := attrVal(n, "background"); bg != "" {
			out = append(out, Link{
				RelativeURL: bg,
				TypeTitle:   "Background Image",
				Embedded:    true,
			})
		}
	}
	return out, favicon
}

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// nodeText returns the concatenated text content of a node, trimmed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

// srcsetURLs parses the URL half of each srcset candidate.
func srcsetURLs(srcset string) []string {
	if srcset == "" {
		return nil
	}
	var out []string
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package links

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"k8s.io/klog/v2"
)

// decodeText converts body bytes to a string honoring the declared charset.
func decodeText(body []byte, declaredCharset string) string {
	if declaredCharset == "" {
		return string(body)
	}
	r, err := charset.NewReaderLabel(declaredCharset, bytes.NewReader(body))
	if err != nil {
		klog.V(6).Infof("links: unknown charset %q, using raw bytes", declaredCharset)
		return string(body)
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

// parseXML extracts typed links from feed-shaped XML documents (RSS, Atom,
// sitemaps). Unknown elements are skipped, not an error.
func parseXML(body []byte, declaredCharset string) []Link {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel
	if declaredCharset != "" {
		dec.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
			return charset.NewReaderLabel(declaredCharset, input)
		}
	}

	var out []Link
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			klog.V(6).Infof("links: XML document truncated: %v", err)
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "link":
			// Atom carries the target in href; RSS in character data.
			if href := xmlAttr(start, "href"); href != "" {
				out = appendIfRewritable(out, Link{
					RelativeURL: href,
					TypeTitle:   "Feed Link",
				})
			} else if text := elementText(dec); text != "" {
				out = appendIfRewritable(out, Link{
					RelativeURL: text,
					TypeTitle:   "Feed Link",
				})
			}
		case "url", "loc", "comments":
			if text := elementText(dec); text != "" {
				out = appendIfRewritable(out, Link{
					RelativeURL: text,
					TypeTitle:   "Feed Link",
				})
			}
		case "guid":
			if strings.EqualFold(xmlAttr(start, "isPermaLink"), "false") {
				continue
			}
			if text := elementText(dec); text != "" {
				out = appendIfRewritable(out, Link{
					RelativeURL: text,
					TypeTitle:   "Feed Permalink",
				})
			}
		case "enclosure", "content":
			if u := xmlAttr(start, "url"); u != "" {
				out = appendIfRewritable(out, Link{
					RelativeURL: u,
					TypeTitle:   "Feed Enclosure",
					Embedded:    true,
				})
			}
		}
	}
	return out
}

func xmlAttr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// elementText returns the trimmed character data up to the element's end tag.
func elementText(dec *xml.Decoder) string {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 1 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

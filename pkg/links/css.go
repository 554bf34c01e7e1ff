// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package links

import (
	"regexp"
	"sort"
)

var (
	// url(x), url('x'), url("x")
	cssURLRe = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^'")\s][^)\s]*))\s*\)`)
	// @import "x" / @import 'x' (the url(...) form is caught by cssURLRe)
	cssImportRe = regexp.MustCompile(`(?i)@import\s+(?:"([^"]+)"|'([^']+)')`)
)

type cssMatch struct {
	offset int
	url    string
}

func parseCSS(body []byte, declaredCharset string) []Link {
	text := decodeText(body, declaredCharset)

	var matches []cssMatch
	for _, m := range cssURLRe.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, cssMatch{offset: m[0], url: firstGroup(text, m)})
	}
	for _, m := range cssImportRe.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, cssMatch{offset: m[0], url: firstGroup(text, m)})
	}
	// keep links in document order across the two scans
	sort.Slice(matches, func(i, j int) bool { return matches[i].offset < matches[j].offset })

	var out []Link
	for _, m := range matches {
		if m.url == "" {
			continue
		}
		out = appendIfRewritable(out, Link{
			RelativeURL: m.url,
			TypeTitle:   "CSS Resource",
			Embedded:    true,
		})
	}
	return out
}

// firstGroup returns the first non-empty capture group of a submatch index set.
func firstGroup(text string, m []int) string {
	for g := 1; g*2 < len(m); g++ {
		if m[g*2] >= 0 {
			return text[m[g*2]:m[g*2+1]]
		}
	}
	return ""
}

// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func urls(ls []Link) []string {
	var out []string
	for _, l := range ls {
		out = append(out, l.RelativeURL)
	}
	return out
}

func TestExtractHTML(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		docPath  string
		want     []string
		embedded map[string]bool
	}{
		{
			name:     "anchor is not embedded",
			body:     `<html><body><a href="/about">About</a></body></html>`,
			docPath:  "/page",
			want:     []string{"/about"},
			embedded: map[string]bool{"/about": false},
		},
		{
			name:     "img is embedded",
			body:     `<html><img src="/a.png"></html>`,
			docPath:  "/page",
			want:     []string{"/a.png"},
			embedded: map[string]bool{"/a.png": true},
		},
		{
			name:    "stylesheet script and frame are embedded",
			body:    `<html><head><link rel="stylesheet" href="/s.css"><script src="/s.js"></script></head><body><iframe src="/f.html"></iframe></body></html>`,
			docPath: "/page",
			want:    []string{"/s.css", "/s.js", "/f.html"},
			embedded: map[string]bool{
				"/s.css": true, "/s.js": true, "/f.html": true,
			},
		},
		{
			name:     "form image input is embedded",
			body:     `<html><form><input type="image" src="/go.png"></form></html>`,
			docPath:  "/page",
			want:     []string{"/go.png"},
			embedded: map[string]bool{"/go.png": true},
		},
		{
			name:    "srcset candidates",
			body:    `<html><img src="/a.png" srcset="/a-2x.png 2x, /a-3x.png 3x"></html>`,
			docPath: "/page",
			want:    []string{"/a.png", "/a-2x.png", "/a-3x.png"},
		},
		{
			name:    "pseudo schemes dropped",
			body:    `<html><a href="mailto:x@y.z">m</a><a href="javascript:void(0)">j</a><img src="data:image/png;base64,AAAA"><a href="/keep">k</a></html>`,
			docPath: "/page",
			want:    []string{"/keep"},
		},
		{
			name:    "fragment-only link dropped",
			body:    `<html><a href="#top">top</a></html>`,
			docPath: "/page",
			want:    nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Extract([]byte(tc.body), "", "text/html", tc.docPath)
			assert.Equal(t, tc.want, urls(got))
			for _, l := range got {
				if want, ok := tc.embedded[l.RelativeURL]; ok {
					assert.Equal(t, want, l.Embedded, "embedded flag for %s", l.RelativeURL)
				}
				assert.True(t, l.Rewritable)
			}
		})
	}
}

func TestExtractHTMLImplicitFavicon(t *testing.T) {
	// At the root path with no declared icon, a favicon link is injected.
	got := Extract([]byte(`<html><body>hi</body></html>`), "", "text/html", "/")
	require.Len(t, got, 1)
	assert.Equal(t, "/favicon.ico", got[0].RelativeURL)
	assert.True(t, got[0].Embedded)

	// A declared icon suppresses the implicit one.
	got = Extract([]byte(`<html><head><link rel="shortcut icon" href="/my.ico"></head></html>`), "", "text/html", "/")
	require.Len(t, got, 1)
	assert.Equal(t, "/my.ico", got[0].RelativeURL)

	// Non-root documents never get the implicit link.
	got = Extract([]byte(`<html><body>hi</body></html>`), "", "text/html", "/sub")
	assert.Empty(t, got)
}

func TestExtractHTMLAnchorTitle(t *testing.T) {
	got := Extract([]byte(`<html><a href="/x"> Click <b>here</b> </a></html>`), "", "text/html", "/p")
	require.Len(t, got, 1)
	assert.Equal(t, "Click here", got[0].Title)
	assert.Equal(t, "Link", got[0].TypeTitle)
}

func TestExtractCSS(t *testing.T) {
	body := `
@import "base.css";
@import url("extra.css");
body { background: url(/bg.png); }
.q { background-image: url('/q.png'); }
.bad { color: url(data:image/gif;base64,R0lGOD); }
`
	got := Extract([]byte(body), "", "text/css", "/s.css")
	assert.Equal(t, []string{"base.css", "extra.css", "/bg.png", "/q.png"}, urls(got))
	for _, l := range got {
		assert.True(t, l.Embedded)
	}
}

func TestExtractJSON(t *testing.T) {
	body := `{
		"title": "not a url",
		"page": "https://example.com/page",
		"nested": {"icon": "https://example.com/i.png"},
		"list": ["https://example.com/1", 42, null]
	}`
	got := Extract([]byte(body), "", "application/json", "/api")
	assert.ElementsMatch(t,
		[]string{"https://example.com/page", "https://example.com/i.png", "https://example.com/1"},
		urls(got))
	for _, l := range got {
		assert.False(t, l.Embedded)
	}
}

func TestExtractXMLFeeds(t *testing.T) {
	rss := `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <link>https://example.com/</link>
  <item>
    <link>https://example.com/post/1</link>
    <guid>https://example.com/post/1</guid>
    <enclosure url="https://example.com/pod.mp3" length="1" type="audio/mpeg"/>
  </item>
  <item><guid isPermaLink="false">tag:example.com,2005:1</guid></item>
</channel></rss>`
	got := Extract([]byte(rss), "", "application/rss+xml", "/feed")
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.com/post/1",
		"https://example.com/post/1",
		"https://example.com/pod.mp3",
	}, urls(got))

	atomFeed := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <link href="https://example.com/atom" rel="self"/>
  <entry><link href="https://example.com/entry/1"/></entry>
</feed>`
	got = Extract([]byte(atomFeed), "", "application/atom+xml", "/feed")
	assert.Equal(t, []string{"https://example.com/atom", "https://example.com/entry/1"}, urls(got))
}

func TestExtractUnknownContentType(t *testing.T) {
	assert.Nil(t, Extract([]byte("GIF89a..."), "", "image/gif", "/a.gif"))
}

func TestRedirectLink(t *testing.T) {
	l := RedirectLink("https://example.com/moved")
	assert.True(t, l.Embedded)
	assert.True(t, l.Rewritable)
	assert.Equal(t, "Redirect", l.TypeTitle)
}

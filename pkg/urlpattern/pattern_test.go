// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package urlpattern_test

import (
	"testing"

	"github.com/crystal-archiver/crystal/pkg/urlpattern"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestURLPattern(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "URLPattern Suite")
}

var _ = Describe("Compile", func() {
	It("rejects the empty pattern", func() {
		p, err := urlpattern.Compile("")
		Expect(p).To(BeNil())
		Expect(err).To(MatchError(urlpattern.ErrEmptyPattern))
	})
	It("compiles a literal pattern", func() {
		p, err := urlpattern.Compile("https://xkcd.com/about/")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Matches("https://xkcd.com/about/")).To(BeTrue())
		Expect(p.Matches("https://xkcd.com/about/x")).To(BeFalse())
		Expect(p.Matches("prefix-https://xkcd.com/about/")).To(BeFalse())
	})
})

var _ = Describe("Matches", func() {
	match := func(pattern, url string) bool {
		p, err := urlpattern.Compile(pattern)
		Expect(err).NotTo(HaveOccurred())
		return p.Matches(url)
	}

	Context("with the # wildcard", func() {
		It("matches runs of digits", func() {
			Expect(match("https://xkcd.com/#/", "https://xkcd.com/1024/")).To(BeTrue())
			Expect(match("https://xkcd.com/#/", "https://xkcd.com/1/")).To(BeTrue())
		})
		It("requires at least one digit", func() {
			Expect(match("https://xkcd.com/#/", "https://xkcd.com//")).To(BeFalse())
		})
		It("does not match letters", func() {
			Expect(match("https://xkcd.com/#/", "https://xkcd.com/about/")).To(BeFalse())
		})
	})

	Context("with the @ wildcard", func() {
		It("matches runs of letters", func() {
			Expect(match("https://example.com/@.html", "https://example.com/page.html")).To(BeTrue())
			Expect(match("https://example.com/@.html", "https://example.com/page2.html")).To(BeFalse())
		})
	})

	Context("with the * wildcard", func() {
		It("matches a run without slashes", func() {
			Expect(match("https://example.com/*.png", "https://example.com/a.png")).To(BeTrue())
			Expect(match("https://example.com/*.png", "https://example.com/a/b.png")).To(BeFalse())
		})
		It("matches the empty run", func() {
			Expect(match("https://example.com/*", "https://example.com/")).To(BeTrue())
		})
	})

	Context("with the ** wildcard", func() {
		It("matches across slashes", func() {
			Expect(match("https://example.com/assets/**", "https://example.com/assets/a/b/c.css")).To(BeTrue())
		})
		It("matches every non-empty URL including query strings", func() {
			Expect(match("**", "https://example.com/x?q=1&r=2")).To(BeTrue())
			Expect(match("**", "ftp://example.com/file")).To(BeTrue())
		})
		It("does not treat regexp metacharacters in literals as special", func() {
			Expect(match("https://example.com/a.b/**", "https://example.com/a.b/x")).To(BeTrue())
			Expect(match("https://example.com/a.b/**", "https://example.com/aXb/x")).To(BeFalse())
		})
	})
})

var _ = Describe("Prefix", func() {
	It("returns the text before the first wildcard", func() {
		p, err := urlpattern.Compile("https://xkcd.com/#/")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Prefix()).To(Equal("https://xkcd.com/"))
	})
	It("returns the whole pattern when literal", func() {
		p, err := urlpattern.Compile("https://xkcd.com/about/")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Prefix()).To(Equal("https://xkcd.com/about/"))
	})
})

// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"errors"
	"net/url"
	"strings"
)

// errBadURL covers URLs the archive cannot key a resource on.
var errBadURL = errors.New("project: URL is empty or not absolute")

// NormalizeURL canonicalizes an archive URL: parses it, strips the
// fragment, and requires an absolute URL with a scheme.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errBadURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		return "", errBadURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// JoinURL resolves a possibly-relative reference against base and
// normalizes the result.
func JoinURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	joined := b.ResolveReference(r)
	joined.Fragment = ""
	joined.RawFragment = ""
	if joined.Scheme == "" {
		return "", errBadURL
	}
	return joined.String(), nil
}

// sameOrigin reports whether two absolute URLs share scheme and host.
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && strings.EqualFold(ua.Host, ub.Host)
}

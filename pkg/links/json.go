// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package links

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

func parseJSON(body []byte, declaredCharset string) []Link {
	text := decodeText(body, declaredCharset)
	var doc interface{}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		klog.V(6).Infof("links: cannot parse JSON document: %v", err)
		return nil
	}
	var out []Link
	walkJSON(doc, &out)
	return out
}

func walkJSON(v interface{}, out *[]Link) {
	switch v := v.(type) {
	case string:
		if isAbsoluteURL(v) {
			*out = appendIfRewritable(*out, Link{
				RelativeURL: v,
				TypeTitle:   "JSON Reference",
				Embedded:    false,
			})
		}
	case []interface{}:
		for _, item := range v {
			walkJSON(item, out)
		}
	case map[string]interface{}:
		// iterate keys in sorted order for deterministic link ordering
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkJSON(v[k], out)
		}
	}
}

func isAbsoluteURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") && !strings.HasPrefix(s, "ftp://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}

package rotator

import (
	"strconv"
	"strings"
)

// LoadKeys collects API keys from a comma separated list followed by numbered
// variables (<prefix>_1, <prefix>_2, ...) read through lookup until the first
// gap. Duplicates are dropped, first occurrence wins.
func LoadKeys(list, prefix string, lookup func(string) string) []string {
	var keys []string
	for _, k := range strings.Split(list, ",") {
		keys = append(keys, strings.TrimSpace(k))
	}
	if lookup != nil && prefix != "" {
		for i := 1; ; i++ {
			k := strings.TrimSpace(lookup(prefix + "_" + strconv.Itoa(i)))
			if k == "" {
				break
			}
			keys = append(keys, k)
		}
	}
	return dedupe(keys)
}

// MergeKeys appends extra keys not already present in base.
func MergeKeys(base []string, extra ...[]string) []string {
	all := append([]string(nil), base...)
	for _, e := range extra {
		all = append(all, e...)
	}
	return dedupe(all)
}

// MaskSecret keeps a short prefix of a secret for log correlation.
func MaskSecret(s string) string {
	const keep = 4
	if len(s) <= keep*2 {
		return "***"
	}
	return s[:keep] + "***"
}

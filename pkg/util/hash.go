package util

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// RecordName derives the download record file name from a remote location.
// md5(url) is the only derivation; tests and resume logic depend on it.
func RecordName(remoteLocation string) string {
	sum := md5.Sum([]byte(remoteLocation))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSONHash returns the sha1 hex digest of the canonical JSON
// encoding of m: keys sorted lexicographically, "," and ":" separators,
// no insignificant whitespace. The digest must be reproducible across
// processes since it is embedded in deterministic product ids.
func CanonicalJSONHash(m map[string]any) string {
	sum := sha1.Sum([]byte(CanonicalJSON(m)))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON encodes m with sorted keys and compact separators.
func CanonicalJSON(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, canonicalValue(m[k])...)
	}
	return string(append(buf, '}'))
}

func canonicalValue(v any) []byte {
	if sub, ok := v.(map[string]any); ok {
		return []byte(CanonicalJSON(sub))
	}
	if list, ok := v.([]any); ok {
		buf := []byte{'['}
		for i, item := range list {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, canonicalValue(item)...)
		}
		return append(buf, ']')
	}
	b, _ := json.Marshal(v)
	return b
}

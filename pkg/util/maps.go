package util

// DeepUpdate merges src into dst recursively. Nested maps are merged
// key-by-key, anything else is overwritten by src. dst is modified in place
// and returned.
func DeepUpdate(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				dst[k] = DeepUpdate(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// CopyMap returns a deep copy of m. Nested maps and slices are copied,
// scalar values are shared.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = CopyMap(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

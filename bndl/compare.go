package bndl

import "fmt"

// less orders two arbitrary comparison keys, used wherever spec.md leaves
// "key" generic (sort, group_by_key's run-length grouping, sort's range
// boundaries): numeric kinds compare numerically, strings lexically, and
// anything else falls back to comparing its %v representation so the
// engine never panics on an unexpected key type.
func less(a, b interface{}) bool {
	switch x := a.(type) {
	case int:
		if y, ok := b.(int); ok {
			return x < y
		}
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x < y
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y
		}
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func equalKey(a, b interface{}) bool {
	return !less(a, b) && !less(b, a)
}

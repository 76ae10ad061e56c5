// Package utils provides small helpers shared across layers, independent of
// the messaging domain.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// not a valid integer.
func AtoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// PageParams normalizes 1-based pagination query values. page floors at 1;
// perPage outside [1, max] resets to def. Both inputs may be raw query
// strings.
func PageParams(pageStr, perPageStr string, def, max int) (page, perPage int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	perPage = AtoiDefault(perPageStr, def)
	if perPage < 1 || perPage > max {
		perPage = def
	}
	return page, perPage
}

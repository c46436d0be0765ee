package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyPrefixRoute starts every route key. The full format is
// "route:{start}-{end}" or "route:{start}-{end}-{line}" so that topology
// change hooks can compute keys without reading the cache.
const KeyPrefixRoute = "route:"

func KeyRoute(start, end int64) string {
	return fmt.Sprintf("route:%d-%d", start, end)
}

func KeyRouteOnLine(start, end, line int64) string {
	return fmt.Sprintf("route:%d-%d-%d", start, end, line)
}

// ParseRouteKey splits a route key into its station ids and optional line.
// line is 0 for keys without a line component.
func ParseRouteKey(key string) (start, end, line int64, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefixRoute)
	if !found {
		return 0, 0, 0, false
	}

	parts := strings.Split(rest, "-")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, false
	}

	ids := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, 0, 0, false
		}
		ids[i] = v
	}
	if len(ids) == 3 {
		line = ids[2]
	}
	return ids[0], ids[1], line, true
}

// touchesAny reports whether key is a route key with start or end in ids.
func touchesAny(key string, ids map[int64]struct{}) bool {
	start, end, _, ok := ParseRouteKey(key)
	if !ok {
		return false
	}
	_, s := ids[start]
	_, e := ids[end]
	return s || e
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

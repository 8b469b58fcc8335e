package store

import (
	"strings"

	"github.com/google/orderedcode"
)

// entryKeyPrefix / sessionKeyPrefix tag the two logical tables named in
// spec.md §6 ("entries" and "sessions") inside badger's single flat
// keyspace.
const (
	entryKeyPrefix   = "e"
	sessionKeyPrefix = "s"
)

// entryKey encodes path's segments into an order-preserving badger key
// (google/orderedcode) so a prefix scan over an ancestor's key also
// enumerates its descendants in path order. No caller scans entries by
// prefix: the garbage collector deletes entries one path at a time and
// DeleteAsync walks each entry's Children.
func entryKey(segments []string) ([]byte, error) {
	items := make([]interface{}, 0, len(segments)+1)
	items = append(items, entryKeyPrefix)
	for _, s := range segments {
		items = append(items, s)
	}
	return orderedcode.Append(nil, items...)
}

func sessionKey(id string) ([]byte, error) {
	return orderedcode.Append(nil, sessionKeyPrefix, id)
}

// splitPathSegments is the plain '/'-joined form used only to derive an
// entryKey from a coordpath-formatted string without importing coordpath
// here (store stays a leaf package); it does not need to understand
// escaping, since it only ever receives already-formatted paths from
// callers that went through coordpath.Format.
func splitPathSegments(formatted string) []string {
	trimmed := strings.TrimPrefix(formatted, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

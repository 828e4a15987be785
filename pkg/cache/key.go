package cache

import (
	"fmt"
	"strings"
)

// DefaultKeyPrefix namespaces item keys in a shared Redis.
const DefaultKeyPrefix = "scoring"

// ItemKey identifies one item entry in Redis.
//
// Entries are partitioned by scoring model version so a version bump never
// serves stale scores from the previous model.
type ItemKey struct {
	// Prefix namespaces the keys, DefaultKeyPrefix when empty.
	Prefix string

	// Version is the scoring model version the entry belongs to.
	Version int

	// ID is the work item id.
	ID string
}

// String generates the Redis key.
// Format: prefix:vN:item:id
//
// Example:
//
//	scoring:v3:item:report-42
func (k ItemKey) String() string {
	return fmt.Sprintf("%s:item:%s", k.base(), k.ID)
}

// Pattern returns the SCAN match pattern covering every item of the key's
// prefix and version.
func (k ItemKey) Pattern() string {
	return k.base() + ":item:*"
}

// IDFromKey extracts the item id from a key produced by String.
func (k ItemKey) IDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, k.base()+":item:")
}

func (k ItemKey) base() string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:v%d", prefix, k.Version)
}

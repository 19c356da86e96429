package identity

import (
	"hash/fnv"
	"regexp"
	"strings"
)

var (
	asinRegex    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	asinURLRegex = regexp.MustCompile(`(?i)/(?:dp|gp/product|gp/aw/d|product-reviews|exec/obidos/asin)/([A-Z0-9]{10})(?:[/?#]|$)`)
)

// Normalize upper-cases and trims a marketplace identifier. It returns false
// when the result is not a well-formed ASIN.
func Normalize(id string) (string, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !asinRegex.MatchString(id) {
		return "", false
	}
	return id, true
}

// FromURL extracts the identifier from a product page URL.
func FromURL(raw string) (string, bool) {
	m := asinURLRegex.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return Normalize(m[1])
}

// Dedupe normalizes ids, dropping malformed entries and repeats while keeping order.
func Dedupe(ids []string) (valid []string, rejected []string) {
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id, ok := Normalize(raw)
		if !ok {
			rejected = append(rejected, raw)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		valid = append(valid, id)
	}
	return valid, rejected
}

// Shard maps an identifier onto one of n partitions. The mapping is stable
// across processes so concurrent schedulers never hand the same product to
// two batches.
func Shard(id string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return int(h.Sum64() % uint64(n))
}

// ProductURL renders a product page URL from a template containing {id}.
func ProductURL(template, id string) string {
	return strings.ReplaceAll(template, "{id}", id)
}

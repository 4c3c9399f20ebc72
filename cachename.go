// Package swcache holds the types shared by the Furanomi service worker
// packages: body digests, cache bucket naming and response snapshots.
package swcache

import "strings"

// Category groups requests that share one caching policy and one bucket.
type Category string

const (
	CategoryHTML  Category = "html"
	CategoryJSCSS Category = "js-css"
	CategoryAPI   Category = "api"
	CategoryImage Category = "image"
)

// Categories lists every versioned bucket category.
var Categories = []Category{CategoryHTML, CategoryJSCSS, CategoryAPI, CategoryImage}

const (
	// PrecachePrefix marks buckets owned by the precache routine. The
	// activation sweep never touches them.
	PrecachePrefix = "workbox-precache"

	flatCachePrefix = "furanomi-cache-"
	cacheInfix      = "-cache-"
)

// CacheName returns the bucket name for a category at a version.
// Format: <category>-cache-<version>
func CacheName(c Category, version string) string {
	return string(c) + cacheInfix + version
}

// FlatCacheName returns the single-bucket name used by the simple worker
// variant. Only the sweep needs it, to recognise and remove such buckets.
func FlatCacheName(version string) string {
	return flatCachePrefix + version
}

// CurrentCacheNames returns the set of bucket names that survive an
// activation at version.
func CurrentCacheNames(version string) map[string]struct{} {
	names := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		names[CacheName(c, version)] = struct{}{}
	}
	return names
}

// IsPrecache reports whether name belongs to the precache routine.
func IsPrecache(name string) bool {
	return strings.HasPrefix(name, PrecachePrefix)
}

// ParseCacheName splits a versioned bucket name into its category and
// version. ok is false for names that do not follow the convention.
func ParseCacheName(name string) (c Category, version string, ok bool) {
	for _, cat := range Categories {
		prefix := string(cat) + cacheInfix
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return cat, name[len(prefix):], true
		}
	}
	return "", "", false
}

package corekv

import (
	"path"
	"regexp"
	"strings"
)

// binaryExt matches a trailing dotted extension (spec.md §3.1): a key
// ending in one is a binary key (raw byte buffer); every other key is
// a JSON key (structured record).
var binaryExt = regexp.MustCompile(`\.[A-Za-z0-9]{1,8}$`)

// collapseRuns replaces any run of characters outside [a-z0-9\-./]
// with a single '-'. Built once; Normalize runs it after unidecode and
// lower-casing, the same byte-scanning-first-full-cost-only-when-needed
// shape the teacher uses for label extraction (record.go's label()).
var collapseRuns = regexp.MustCompile(`[^a-z0-9\-./]+`)
var collapseSlashes = regexp.MustCompile(`/{2,}`)

// Normalize lower-cases, transliterates to ASCII, collapses non
// alphanumeric runs to '-', collapses repeated '/' and strips leading
// and trailing '/'. It is idempotent: Normalize(Normalize(k)) == Normalize(k).
func Normalize(key string) string {
	ascii := unidecode(key)
	lower := strings.ToLower(ascii)
	collapsed := collapseRuns.ReplaceAllString(lower, "-")
	collapsed = collapseSlashes.ReplaceAllString(collapsed, "/")
	collapsed = strings.Trim(collapsed, "/")
	return collapsed
}

// IsBinaryKey reports whether a normalized key's value must be a raw
// byte buffer rather than a structured JSON record (spec.md §3.1).
func IsBinaryKey(normalizedKey string) bool {
	return binaryExt.MatchString(normalizedKey)
}

// childKey builds a hierarchical sub-key the way spec.md §6.3 lists
// them: K, K/<page_idx>, K/data, K/data/<nibble>, ...
func childKey(parent string, parts ...string) string {
	return path.Join(append([]string{parent}, parts...)...)
}

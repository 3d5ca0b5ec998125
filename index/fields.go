// Field and sorter configuration, plus the per-type tokenizers
// (spec §4.5.1-3): the default word pipeline, the date type expanding
// to YYYY_MM_DD/YYYY_MM/YYYY buckets, and the number type expanding to
// exact/hundred/thousand buckets.
package index

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ColumnType selects how a field's source value is tokenized.
type ColumnType int

const (
	ColumnWord ColumnType = iota
	ColumnDate
	ColumnNumber
)

// FieldDef configures one indexed field.
type FieldDef struct {
	ID             string
	Source         string // dotted path into the record, e.g. "title" or "meta.name"
	Type           ColumnType
	MinWordLength  int
	MaxWordLength  int
	UseRemoveWords bool
	MasterList     bool
	Multiply       float64
	Divide         float64
}

// SorterDef configures one sort column.
type SorterDef struct {
	ID     string
	Source string
	Type   ColumnType
}

// Config is an index configuration: where it's rooted, and what it
// indexes.
type Config struct {
	BasePath    string
	Fields      []FieldDef
	Sorters     []SorterDef
	RemoveWords map[string]struct{}
	PageSize    int
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// tokenizeWords implements the default word pipeline: unidecode,
// lower-case, split on non-word runs, length-filter, optional
// remove-word filter, then stem survivors. Returns stemmed tokens in
// source order (duplicates kept, one per occurrence) so callers can
// assign sequential offsets.
func tokenizeWords(source string, f FieldDef, removeWords map[string]struct{}) []string {
	s := strings.ToLower(asciiFold(source))
	raw := nonWord.Split(s, -1)
	minLen := f.MinWordLength
	maxLen := f.MaxWordLength
	if maxLen == 0 {
		maxLen = 1 << 30
	}
	var out []string
	for _, tok := range raw {
		if tok == "" {
			continue
		}
		if len(tok) < minLen || len(tok) > maxLen {
			continue
		}
		if f.UseRemoveWords {
			if _, skip := removeWords[tok]; skip {
				continue
			}
		}
		out = append(out, Stem(tok))
	}
	return out
}

// tokenizeDate expands a date source into its three bucket forms,
// coarsest last so they sort naturally alongside word tokens.
func tokenizeDate(t time.Time) []string {
	y := fmt.Sprintf("%04d", t.Year())
	m := fmt.Sprintf("%02d", int(t.Month()))
	d := fmt.Sprintf("%02d", t.Day())
	return []string{y + "_" + m + "_" + d, y + "_" + m, y}
}

// ParseDateFilter normalizes the accepted query forms (MM/DD/YYYY,
// YYYY-MM-DD, YYYY_MM_DD, YYYY-MM, YYYY, epoch seconds, and the
// keywords today/now/yesterday/"this month"/"this year") to the
// YYYY_MM_DD/YYYY_MM/YYYY bucket form matching what was indexed.
func ParseDateFilter(raw string, now time.Time) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "today", "now":
		return tokenizeDate(now)[0], nil
	case "yesterday":
		return tokenizeDate(now.AddDate(0, 0, -1))[0], nil
	case "this month":
		return tokenizeDate(now)[1], nil
	case "this year":
		return tokenizeDate(now)[2], nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tokenizeDate(time.Unix(sec, 0).UTC())[0], nil
	}
	if t, err := time.Parse("01/02/2006", raw); err == nil {
		return tokenizeDate(t)[0], nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return tokenizeDate(t)[0], nil
	}
	if strings.Count(raw, "_") == 2 || strings.Count(raw, "_") == 1 {
		return raw, nil
	}
	if t, err := time.Parse("2006-01", raw); err == nil {
		return tokenizeDate(t)[1], nil
	}
	if len(raw) == 4 {
		if _, err := strconv.Atoi(raw); err == nil {
			return raw, nil
		}
	}
	return "", fmt.Errorf("index: unrecognized date filter %q", raw)
}

const numberClamp = 1_000_000

// tokenizeNumber clamps n to [-1_000_000, 1_000_000], then applies
// multiply/divide, then returns the exact/hundred/thousand bucket
// tokens.
func tokenizeNumber(n float64, f FieldDef) []string {
	if n > numberClamp {
		n = numberClamp
	}
	if n < -numberClamp {
		n = -numberClamp
	}
	if f.Multiply != 0 {
		n *= f.Multiply
	}
	if f.Divide != 0 {
		n /= f.Divide
	}
	v := int64(n)
	exact := numberToken(v)
	hundred := "H" + numberToken(roundTo(v, 100))
	thousand := "T" + numberToken(roundTo(v, 1000))
	return []string{exact, hundred, thousand}
}

func numberToken(v int64) string {
	if v < 0 {
		return "N" + strconv.FormatInt(-v, 10)
	}
	return strconv.FormatInt(v, 10)
}

func roundTo(v int64, bucket int64) int64 {
	if v < 0 {
		return -((-v) / bucket * bucket)
	}
	return v / bucket * bucket
}

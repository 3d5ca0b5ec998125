// Porter stemming, vendored per spec §9 ("commodity algorithms;
// either use a reference library or vendor a minimal implementation")
// since no stemming library appears anywhere in the example pack. This
// follows the structure of Martin Porter's original algorithm: a
// handful of suffix-stripping steps gated by measure-of-the-stem and
// vowel/consonant-sequence conditions.
package index

import "strings"

func isConsonant(w string, i int) bool {
	switch w[i] {
	case 'a', 'e', 'i', 'o', 'u':
		return false
	case 'y':
		if i == 0 {
			return true
		}
		return !isConsonant(w, i-1)
	}
	return true
}

// measure counts consonant-vowel sequences (Porter's "m").
func measure(w string) int {
	n := 0
	i := 0
	for i < len(w) && isConsonant(w, i) {
		i++
	}
	for i < len(w) {
		for i < len(w) && !isConsonant(w, i) {
			i++
		}
		if i >= len(w) {
			break
		}
		for i < len(w) && isConsonant(w, i) {
			i++
		}
		n++
	}
	return n
}

func containsVowel(w string) bool {
	for i := range w {
		if !isConsonant(w, i) {
			return true
		}
	}
	return false
}

func endsDoubleConsonant(w string) bool {
	n := len(w)
	if n < 2 {
		return false
	}
	return w[n-1] == w[n-2] && isConsonant(w, n-1)
}

// endsCVC reports the "cvc" ending condition used by step 1b/5a (final
// letter not w, x or y).
func endsCVC(w string) bool {
	n := len(w)
	if n < 3 {
		return false
	}
	if !isConsonant(w, n-3) || isConsonant(w, n-2) || !isConsonant(w, n-1) {
		return false
	}
	switch w[n-1] {
	case 'w', 'x', 'y':
		return false
	}
	return true
}

func hasSuffix(w, suf string) bool { return strings.HasSuffix(w, suf) }

func replaceSuffix(w, suf, repl string) string {
	return w[:len(w)-len(suf)] + repl
}

// Stem reduces a lower-case word to its Porter stem. Words shorter
// than 3 runes are returned unchanged.
func Stem(word string) string {
	w := strings.ToLower(word)
	if len(w) < 3 {
		return w
	}

	// Step 1a
	switch {
	case hasSuffix(w, "sses"):
		w = replaceSuffix(w, "sses", "ss")
	case hasSuffix(w, "ies"):
		w = replaceSuffix(w, "ies", "i")
	case hasSuffix(w, "ss"):
		// unchanged
	case hasSuffix(w, "s"):
		w = replaceSuffix(w, "s", "")
	}

	// Step 1b
	step1bDone := false
	switch {
	case hasSuffix(w, "eed"):
		stem := replaceSuffix(w, "eed", "")
		if measure(stem) > 0 {
			w = stem + "ee"
		}
		step1bDone = true
	case hasSuffix(w, "ed") && containsVowel(replaceSuffix(w, "ed", "")):
		w = replaceSuffix(w, "ed", "")
		step1bDone = true
	case hasSuffix(w, "ing") && containsVowel(replaceSuffix(w, "ing", "")):
		w = replaceSuffix(w, "ing", "")
		step1bDone = true
	}
	if step1bDone {
		switch {
		case hasSuffix(w, "at"), hasSuffix(w, "bl"), hasSuffix(w, "iz"):
			w += "e"
		case endsDoubleConsonant(w) && w[len(w)-1] != 'l' && w[len(w)-1] != 's' && w[len(w)-1] != 'z':
			w = w[:len(w)-1]
		case measure(w) == 1 && endsCVC(w):
			w += "e"
		}
	}

	// Step 1c
	if hasSuffix(w, "y") && containsVowel(replaceSuffix(w, "y", "")) {
		w = replaceSuffix(w, "y", "i")
	}

	w = step2(w)
	w = step3(w)
	w = step4(w)
	w = step5(w)
	return w
}

var step2Suffixes = []struct{ from, to string }{
	{"ational", "ate"}, {"tional", "tion"}, {"enci", "ence"}, {"anci", "ance"},
	{"izer", "ize"}, {"abli", "able"}, {"alli", "al"}, {"entli", "ent"},
	{"eli", "e"}, {"ousli", "ous"}, {"ization", "ize"}, {"ation", "ate"},
	{"ator", "ate"}, {"alism", "al"}, {"iveness", "ive"}, {"fulness", "ful"},
	{"ousness", "ous"}, {"aliti", "al"}, {"iviti", "ive"}, {"biliti", "ble"},
}

func step2(w string) string {
	for _, s := range step2Suffixes {
		if hasSuffix(w, s.from) {
			stem := replaceSuffix(w, s.from, "")
			if measure(stem) > 0 {
				return stem + s.to
			}
			return w
		}
	}
	return w
}

var step3Suffixes = []struct{ from, to string }{
	{"icate", "ic"}, {"ative", ""}, {"alize", "al"}, {"iciti", "ic"},
	{"ical", "ic"}, {"ful", ""}, {"ness", ""},
}

func step3(w string) string {
	for _, s := range step3Suffixes {
		if hasSuffix(w, s.from) {
			stem := replaceSuffix(w, s.from, "")
			if measure(stem) > 0 {
				return stem + s.to
			}
			return w
		}
	}
	return w
}

var step4Suffixes = []string{
	"al", "ance", "ence", "er", "ic", "able", "ible", "ant", "ement",
	"ment", "ent", "ou", "ism", "ate", "iti", "ous", "ive", "ize",
}

func step4(w string) string {
	for _, suf := range step4Suffixes {
		if !hasSuffix(w, suf) {
			continue
		}
		stem := replaceSuffix(w, suf, "")
		if suf == "ion" {
			if len(stem) > 0 && (stem[len(stem)-1] == 's' || stem[len(stem)-1] == 't') && measure(stem) > 1 {
				return stem
			}
			return w
		}
		if measure(stem) > 1 {
			return stem
		}
		return w
	}
	if hasSuffix(w, "ion") {
		stem := replaceSuffix(w, "ion", "")
		if len(stem) > 0 && (stem[len(stem)-1] == 's' || stem[len(stem)-1] == 't') && measure(stem) > 1 {
			return stem
		}
	}
	return w
}

func step5(w string) string {
	if hasSuffix(w, "e") {
		stem := replaceSuffix(w, "e", "")
		if measure(stem) > 1 {
			w = stem
		} else if measure(stem) == 1 && !endsCVC(stem) {
			w = stem
		}
	}
	if measure(w) > 1 && endsDoubleConsonant(w) && w[len(w)-1] == 'l' {
		w = w[:len(w)-1]
	}
	return w
}

package corekv

import "strings"

// unidecode is a minimal vendored transliterator to ASCII (spec.md §9:
// "unidecode is a commodity algorithm; either use a reference library
// or vendor a minimal implementation" — no such library appears
// anywhere in the example corpus, see DESIGN.md). It covers the Latin-1
// Supplement and Latin Extended-A accented letters (the overwhelming
// majority of real-world non-ASCII labels/keys) and otherwise drops
// runes it cannot map, leaving ASCII untouched.
var unidecodeTable = map[rune]string{
	'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A", 'Ä': "A", 'Å': "A", 'Æ': "AE",
	'Ç': "C", 'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E",
	'Ì': "I", 'Í': "I", 'Î': "I", 'Ï': "I",
	'Ð': "D", 'Ñ': "N",
	'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O", 'Ö': "O", 'Ø': "O",
	'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "U", 'Ý': "Y",
	'ß': "ss",
	'à': "a", 'á': "a", 'â': "a", 'ã': "a", 'ä': "a", 'å': "a", 'æ': "ae",
	'ç': "c", 'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ð': "d", 'ñ': "n",
	'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o", 'ö': "o", 'ø': "o",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u", 'ý': "y", 'ÿ': "y",
	'Ā': "A", 'ā': "a", 'Ă': "A", 'ă': "a", 'Ą': "A", 'ą': "a",
	'Ć': "C", 'ć': "c", 'Č': "C", 'č': "c",
	'Đ': "D", 'đ': "d",
	'Ē': "E", 'ē': "e", 'Ę': "E", 'ę': "e", 'Ě': "E", 'ě': "e",
	'Ğ': "G", 'ğ': "g",
	'İ': "I", 'ı': "i",
	'Ł': "L", 'ł': "l",
	'Ń': "N", 'ń': "n", 'Ň': "N", 'ň': "n",
	'Ő': "O", 'ő': "o",
	'Ř': "R", 'ř': "r",
	'Ś': "S", 'ś': "s", 'Š': "S", 'š': "s", 'Ş': "S", 'ş': "s",
	'Ť': "T", 'ť': "t",
	'Ů': "U", 'ů': "u", 'Ű': "U", 'ű': "u",
	'Ź': "Z", 'ź': "z", 'Ż': "Z", 'ż': "z", 'Ž': "Z", 'ž': "z",
}

func unidecode(s string) string {
	hasNonASCII := false
	for _, r := range s {
		if r > 127 {
			hasNonASCII = true
			break
		}
	}
	if !hasNonASCII {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= 127 {
			b.WriteRune(r)
			continue
		}
		if repl, ok := unidecodeTable[r]; ok {
			b.WriteString(repl)
		}
		// Unknown non-ASCII runes are dropped rather than guessed at.
	}
	return b.String()
}

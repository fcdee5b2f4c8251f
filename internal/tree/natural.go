package tree

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NaturalCompare orders strings case-insensitively, comparing runs of digits by numeric value
// so that "page2" < "page10". It returns -1, 0 or 1.
func NaturalCompare(a, b string) int {
	a, b = strings.ToLower(a), strings.ToLower(b)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ra, wa := utf8.DecodeRuneInString(a[i:])
		rb, wb := utf8.DecodeRuneInString(b[j:])

		if isDigit(ra) && isDigit(rb) {
			ei := scanDigits(a, i)
			ej := scanDigits(b, j)
			if c := compareNumeric(a[i:ei], b[j:ej]); c != 0 {
				return c
			}
			i, j = ei, ej
			continue
		}

		if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		i += wa
		j += wb
	}

	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	}
	return 0
}

// NaturalLess reports whether a sorts before b in natural order
func NaturalLess(a, b string) bool {
	return NaturalCompare(a, b) < 0
}

func isDigit(r rune) bool {
	return r < utf8.RuneSelf && unicode.IsDigit(r)
}

func scanDigits(s string, from int) int {
	for from < len(s) && s[from] >= '0' && s[from] <= '9' {
		from++
	}
	return from
}

// compareNumeric compares two digit runs of arbitrary length without overflow.
// Equal values with different zero padding order the shorter run first.
func compareNumeric(x, y string) int {
	tx := strings.TrimLeft(x, "0")
	ty := strings.TrimLeft(y, "0")
	if len(tx) != len(ty) {
		if len(tx) < len(ty) {
			return -1
		}
		return 1
	}
	if c := strings.Compare(tx, ty); c != 0 {
		return c
	}
	switch {
	case len(x) < len(y):
		return -1
	case len(x) > len(y):
		return 1
	}
	return 0
}

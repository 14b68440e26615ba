package model

import "unicode"

// MatchPattern reports whether s matches a Visual Basic LIKE pattern.
//
//	*        any sequence of characters, including none
//	?        any single character
//	#        any single digit
//	[set]    any character in set; ranges like a-z are allowed
//	[!set]   any character not in set
//
// An empty pattern matches everything. A malformed set matches nothing.
func MatchPattern(s, pattern string, caseSensitive bool) bool {
	if pattern == "" {
		return true
	}
	str := []rune(s)
	pat := []rune(pattern)
	if !caseSensitive {
		fold(str)
		fold(pat)
	}
	return match(str, pat)
}

func fold(rs []rune) {
	for i, r := range rs {
		rs[i] = unicode.ToUpper(r)
	}
}

func match(s, p []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 0 && p[0] == '*' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if match(s[i:], p) {
					return true
				}
			}
			return false

		case '?':
			if len(s) == 0 {
				return false
			}

		case '#':
			if len(s) == 0 || !unicode.IsDigit(s[0]) {
				return false
			}

		case '[':
			if len(s) == 0 {
				return false
			}
			n, ok := matchSet(s[0], p[1:])
			if !ok {
				return false
			}
			p = p[n+1:]
			s = s[1:]
			continue

		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
		}
		p = p[1:]
		s = s[1:]
	}
	return len(s) == 0
}

// matchSet matches c against the set starting after '['. It returns the
// number of pattern runes consumed including the closing ']'.
func matchSet(c rune, p []rune) (int, bool) {
	negate := false
	i := 0
	if i < len(p) && p[i] == '!' {
		negate = true
		i++
	}
	found := false
	first := true
	for {
		if i >= len(p) {
			return 0, false
		}
		if p[i] == ']' && !first {
			break
		}
		lo := p[i]
		hi := lo
		if i+2 < len(p) && p[i+1] == '-' && p[i+2] != ']' {
			hi = p[i+2]
			i += 2
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if c >= lo && c <= hi {
			found = true
		}
		i++
		first = false
	}
	return i + 1, found != negate
}

package domain

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const replacementUnit = 0xFFFD

func isHighSurrogate(u uint16) bool { return u >= 0xD800 && u <= 0xDBFF }
func isLowSurrogate(u uint16) bool  { return u >= 0xDC00 && u <= 0xDFFF }

// SanitizeUTF16 replaces unpaired surrogate code units with U+FFFD.
// Length is preserved and valid surrogate pairs pass through unchanged.
func SanitizeUTF16(units []uint16) []uint16 {
	out := make([]uint16, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case isHighSurrogate(u) && i+1 < len(units) && isLowSurrogate(units[i+1]):
			out[i], out[i+1] = u, units[i+1]
			i++
		case isHighSurrogate(u), isLowSurrogate(u):
			out[i] = replacementUnit
		default:
			out[i] = u
		}
	}
	return out
}

// encodedSurrogate decodes a surrogate code unit written as a three byte
// WTF-8 sequence (ED A0..BF 80..BF) at the start of s.
func encodedSurrogate(s string) (uint16, bool) {
	if len(s) < 3 || s[0] != 0xED || s[1] < 0xA0 || s[1] > 0xBF || s[2] < 0x80 || s[2] > 0xBF {
		return 0, false
	}
	return 0xD000 | uint16(s[1]&0x3F)<<6 | uint16(s[2]&0x3F), true
}

// SanitizeText makes s safe to persist. Surrogates smuggled in as WTF-8 byte
// sequences are joined when they form a pair and replaced with U+FFFD when
// they are lone; any other invalid byte is replaced as well.
func SanitizeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != utf8.RuneError || size > 1 {
			b.WriteString(s[i : i+size])
			i += size
			continue
		}
		hi, ok := encodedSurrogate(s[i:])
		if !ok {
			b.WriteRune(utf8.RuneError)
			i++
			continue
		}
		if isHighSurrogate(hi) {
			if lo, ok := encodedSurrogate(s[i+3:]); ok && isLowSurrogate(lo) {
				b.WriteRune(utf16.DecodeRune(rune(hi), rune(lo)))
				i += 6
				continue
			}
		}
		b.WriteRune(utf8.RuneError)
		i += 3
	}
	return b.String()
}

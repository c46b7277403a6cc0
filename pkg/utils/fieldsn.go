package utils

import (
	"strings"
	"unicode"
)

// FieldsN splits s at whitespace like strings.Fields but returns at most n
// fields. The last field keeps the remainder of the line including inner and
// trailing whitespace. n <= 0 returns nil.
func FieldsN(s string, n int) []string {
	return FieldsFuncN(s, unicode.IsSpace, n)
}

// FieldsFuncN is the strings.FieldsFunc variant of FieldsN.
func FieldsFuncN(str string, isSep func(rune) bool, n int) []string {
	if n <= 0 {
		return nil
	}

	fields := make([]string, 0, n)
	rest := str
	for len(fields) < n-1 {
		start := strings.IndexFunc(rest, func(r rune) bool { return !isSep(r) })
		if start < 0 {
			return fields
		}
		rest = rest[start:]
		end := strings.IndexFunc(rest, isSep)
		if end < 0 {
			return append(fields, rest)
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}

	if start := strings.IndexFunc(rest, func(r rune) bool { return !isSep(r) }); start >= 0 {
		fields = append(fields, rest[start:])
	}

	return fields
}

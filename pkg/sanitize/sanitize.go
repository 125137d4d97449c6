package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxDisplayNameLength bounds the participant name shown in media rooms
const MaxDisplayNameLength = 64

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DisplayName cleans a user supplied participant name: control characters are
// dropped, runs of whitespace collapse to one space and the result is cut to
// MaxDisplayNameLength runes
func DisplayName(input string) string {
	name := strings.Join(strings.Fields(StripControlCharacters(input)), " ")
	if utf8.RuneCountInString(name) <= MaxDisplayNameLength {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
}

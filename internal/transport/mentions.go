package transport

import (
	"strings"
	"unicode"
)

// fourPerEmSpace is inserted by some chat clients right after an @name.
const fourPerEmSpace = '\u2005'

// StripMentions removes leading @name tokens so commands can be parsed from
// messages like "@bot #3 hello". Mentions in the middle of the text are kept.
func StripMentions(text string) string {
	text = strings.TrimLeftFunc(text, isMentionSep)
	for strings.HasPrefix(text, "@") {
		i := strings.IndexFunc(text, isMentionSep)
		if i < 0 {
			return ""
		}
		text = strings.TrimLeftFunc(text[i:], isMentionSep)
	}
	return strings.TrimSpace(text)
}

func isMentionSep(r rune) bool {
	return r == fourPerEmSpace || unicode.IsSpace(r)
}

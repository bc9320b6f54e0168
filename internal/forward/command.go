package forward

import (
	"errors"
	"strings"
)

// ErrMalformedCommand is returned for text that starts with the command
// prefix but does not have the expected shape.
var ErrMalformedCommand = errors.New("forward: malformed command")

// ParseCommand checks whether text is a routing command and returns its tail.
//
// ok is false when text does not start with prefix. A command must contain the
// prefix exactly once; anything else is ErrMalformedCommand.
func ParseCommand(text, prefix string) (tail string, ok bool, err error) {
	if prefix == "" {
		return "", false, errors.New("forward: empty command prefix")
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", false, nil
	}
	if strings.Count(text, prefix) != 1 {
		return "", true, ErrMalformedCommand
	}
	return strings.TrimSpace(text[len(prefix):]), true, nil
}

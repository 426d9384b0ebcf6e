package childproc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCommand is returned when a command string contains no words.
var ErrEmptyCommand = errors.New("empty command")

// SplitCommand tokenizes a configured command line the way a POSIX shell
// would split words: whitespace separates arguments, single and double
// quotes group them, backslash escapes the next character outside single
// quotes. Command lines come from config keys like xserver-command and
// session wrappers, so no variable expansion is performed.
func SplitCommand(command string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for _, r := range command {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if escaped || quote != 0 {
		return nil, fmt.Errorf("unterminated quoting in command %q", command)
	}
	if inWord {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}

package bot

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

type token struct {
	text   string
	quoted bool
}

// tokenize splits a command line on whitespace. Double quotes group words,
// so `/market add "King Husky" HP` yields three arguments after the command.
func tokenize(s string) ([]token, error) {
	var (
		out    []token
		cur    strings.Builder
		inWord bool
		quoted bool
		inQ    bool
	)
	emit := func() {
		if inWord {
			out = append(out, token{text: cur.String(), quoted: quoted})
		}
		cur.Reset()
		inWord, quoted = false, false
	}
	for _, r := range s {
		switch {
		case r == '"' || r == '“' || r == '”':
			if inQ {
				inQ = false
				emit()
				continue
			}
			emit()
			inQ, inWord, quoted = true, true, true
		case !inQ && (r == ' ' || r == '\t' || r == '\n'):
			emit()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if inQ {
		return nil, errUnterminatedQuote
	}
	emit()
	return out, nil
}

// command splits the first token into the command name, dropping the leading
// slash and any @botname suffix.
func command(toks []token) (string, []token) {
	if len(toks) == 0 || !strings.HasPrefix(toks[0].text, "/") {
		return "", toks
	}
	name := strings.TrimPrefix(toks[0].text, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), toks[1:]
}

func texts(toks []token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.text
	}
	return out
}

func join(toks []token) string {
	return strings.Join(texts(toks), " ")
}

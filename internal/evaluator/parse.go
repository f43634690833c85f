package evaluator

import "strings"

// ExtractPipes splits cmd into pipeline stages. A '|' splits only at bracket
// depth zero, where '{' and '(' open and '}' and ')' close a level. Pipes
// inside double quotes or escaped with a backslash never split. Stages keep
// their surrounding whitespace.
func ExtractPipes(cmd string) []string {
	var stages []string
	depth := 0
	inQuote := false
	start := 0

	for i := 0; i < len(cmd); i++ {
		switch c := cmd[i]; {
		case c == '\\':
			i++
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '{' || c == '(':
			depth++
		case c == '}' || c == ')':
			if depth > 0 {
				depth--
			}
		case c == '|' && depth == 0:
			stages = append(stages, cmd[start:i])
			start = i + 1
		}
	}

	return append(stages, cmd[start:])
}

// SubstituteVariables replaces every ${NAME} in s with lookup(NAME). Names
// are expanded themselves first, so ${${X}} looks up the value of X. The
// inserted values are never rescanned. A "${" without a matching '}' is left
// as literal text.
func SubstituteVariables(s string, lookup func(string) string) string {
	var b strings.Builder
	pos := 0

	for {
		rel := indexUnescaped(s[pos:], "${")
		if rel < 0 {
			break
		}
		open := pos + rel

		end := matchClose(s, open+2, '{', '}', false)
		if end < 0 {
			break
		}

		name := SubstituteVariables(s[open+2:end], lookup)
		b.WriteString(s[pos:open])
		b.WriteString(lookup(name))
		pos = end + 1
	}

	if pos == 0 {
		return s
	}
	b.WriteString(s[pos:])
	return b.String()
}

// SubstituteCommands replaces every $(LINE) in s with the result of
// run(LINE). Inserted output is never rescanned. A "$(" without a matching
// ')' is left as literal text. The first error from run aborts the
// substitution.
func SubstituteCommands(s string, run func(string) (string, error)) (string, error) {
	var b strings.Builder
	pos := 0

	for {
		rel := indexUnescaped(s[pos:], "$(")
		if rel < 0 {
			break
		}
		open := pos + rel

		end := matchClose(s, open+2, '(', ')', true)
		if end < 0 {
			break
		}

		out, err := run(s[open+2 : end])
		if err != nil {
			return "", err
		}
		b.WriteString(s[pos:open])
		b.WriteString(out)
		pos = end + 1
	}

	if pos == 0 {
		return s, nil
	}
	b.WriteString(s[pos:])
	return b.String(), nil
}

// Tokenize splits s into arguments on unescaped spaces and tabs. Text inside
// double quotes is kept verbatim as part of one argument, and a backslash
// takes the following character literally.
func Tokenize(s string) []string {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		inQuote bool
		escaped bool
	)

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			inToken = true
		case r == '"':
			inQuote = !inQuote
			inToken = true
		case (r == ' ' || r == '\t') && !inQuote:
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}

	// a dangling backslash stands for itself
	if escaped {
		cur.WriteRune('\\')
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// indexUnescaped returns the index of the first occurrence of token in s
// that is not preceded by a backslash escape, or -1.
func indexUnescaped(s, token string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if strings.HasPrefix(s[i:], token) {
			return i
		}
	}
	return -1
}

// matchClose finds the closer that balances an opener located just before
// from. Escaped characters are skipped and, when quoteAware is set, so is
// text between double quotes.
func matchClose(s string, from int, opener, closer byte, quoteAware bool) int {
	depth := 1
	inQuote := false

	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			i++
		case quoteAware && c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Package jsonc strips `//` and `/* */` comments and trailing commas from
// a JSONC byte stream so it can be handed to encoding/json. It is a plain
// two-pass byte transformer — no reflection, no schema awareness.
package jsonc

// Strip removes comments and trailing commas from src, honoring string
// literal escaping so comment-like bytes inside a quoted string are
// preserved verbatim. The result is valid JSON (assuming src was valid
// JSONC) and can be passed directly to encoding/json.Unmarshal.
func Strip(src []byte) []byte {
	out := stripComments(src)
	return stripTrailingCommas(out)
}

func stripComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString := false
	i := 0
	for i < len(src) {
		c := src[i]

		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(src) {
				out = append(out, src[i+1])
				i += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			i++
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			i++
			continue
		}

		if c == '/' && i+1 < len(src) && src[i+1] == '/' {
			i += 2
			for i < len(src) && src[i] != '\n' {
				i++
			}
			continue
		}

		if c == '/' && i+1 < len(src) && src[i+1] == '*' {
			// Skip from "/*" through the next "*/" inclusive, then
			// resume scanning at the byte immediately after.
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i += 2
			continue
		}

		out = append(out, c)
		i++
	}
	return out
}

// stripTrailingCommas removes a comma that is followed (ignoring
// whitespace) only by a closing `]` or `}`, honoring string literals the
// same way stripComments does.
func stripTrailingCommas(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString := false
	for i := 0; i < len(src); i++ {
		c := src[i]

		if inString {
			out = append(out, c)
			if c == '\\' && i+1 < len(src) {
				out = append(out, src[i+1])
				i++
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}

		if c == ',' {
			j := i + 1
			for j < len(src) && isJSONSpace(src[j]) {
				j++
			}
			if j < len(src) && (src[j] == ']' || src[j] == '}') {
				continue // drop the comma
			}
		}

		out = append(out, c)
	}
	return out
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

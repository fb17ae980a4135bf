package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaInstructions renders the system-prompt suffix constraining the model
// to a structured JSON reply. Providers without native schema support rely
// on this; the decoded payload is still validated by ParseReply.
func SchemaInstructions(s Schema) string {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		def = []byte("{}")
	}
	return fmt.Sprintf(
		"\n\nRespond ONLY with a single JSON object named %q conforming to this JSON schema, with no surrounding prose or code fences:\n%s",
		s.Name, def,
	)
}

// StripFences removes a wrapping markdown code fence some providers add
// around JSON payloads.
func StripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// ExtractPartialContent scans a possibly incomplete JSON reply for the
// "content" field and returns the best-known decoded value. It tolerates a
// truncated string value so streaming consumers can surface text before the
// object is complete.
func ExtractPartialContent(raw string) (string, bool) {
	idx := strings.Index(raw, `"content"`)
	if idx < 0 {
		return "", false
	}
	rest := raw[idx+len(`"content"`):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = strings.TrimLeft(rest[colon+1:], " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]

	var b strings.Builder
	escaped := false
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			b.WriteByte(c)
			escaped = true
			continue
		}
		if c == '"' {
			return unescapeFragment(b.String()), true
		}
		b.WriteByte(c)
	}
	// Truncated mid-string; drop a trailing lone backslash before decoding.
	frag := b.String()
	if escaped {
		frag = frag[:len(frag)-1]
	}
	return unescapeFragment(frag), frag != ""
}

func unescapeFragment(frag string) string {
	var s string
	if err := json.Unmarshal([]byte(`"`+frag+`"`), &s); err != nil {
		return frag
	}
	return s
}

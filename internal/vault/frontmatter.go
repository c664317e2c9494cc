package vault

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"vaultline/internal/domain"
)

const delimiter = "---\n"

// EncodeRecord renders a record file: YAML frontmatter between --- fences,
// then the free-form markdown body.
func EncodeRecord(meta domain.Meta, body string) ([]byte, error) {
	fm, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString(delimiter)
	b.Write(fm)
	b.WriteString(delimiter)
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}

// DecodeRecord parses a record file back into frontmatter and body.
func DecodeRecord(data []byte) (domain.Meta, string, error) {
	var meta domain.Meta
	text := string(data)
	if !strings.HasPrefix(text, delimiter) {
		return meta, "", fmt.Errorf("missing frontmatter fence")
	}
	rest := text[len(delimiter):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return meta, "", fmt.Errorf("unterminated frontmatter")
	}
	fm := rest[:idx+1]
	body := rest[idx+1:]
	// drop the closing fence line
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	if err := yaml.Unmarshal([]byte(fm), &meta); err != nil {
		return meta, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	if meta.Priority == "" {
		meta.Priority = domain.PriorityNormal
	}
	return meta, strings.TrimPrefix(body, "\n"), nil
}

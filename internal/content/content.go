package content

import (
	"bytes"
	"fmt"
	"strings"

	"chatok/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// ValidateContent checks that message content is non-empty after trimming.
func ValidateContent(input string) error {
	if strings.TrimSpace(input) == "" {
		return models.ErrEmptyContent
	}
	return nil
}

// ToHTML renders message markdown and sanitizes the result. The returned
// HTML is what clients display; the raw content is stored unchanged.
func ToHTML(input string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

package content

import (
	"errors"
	"strings"
	"testing"

	"chatok/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Plain text", "hello", false},
		{"Empty", "", true},
		{"Whitespace only", "  \n\t ", true},
		{"Emoji only", "🤖", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, models.ErrEmptyContent) {
				t.Errorf("expected ErrEmptyContent, got %v", err)
			}
		})
	}
}

func TestToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{"Plain text", "Hello World", "<p>Hello World</p>"},
		{"Bold", "Hello **World**", "<strong>World</strong>"},
		{"Strikethrough", "~~gone~~", "<del>gone</del>"},
		{"Linkify", "see https://example.com now", `<a href="https://example.com"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToHTML(tt.input)
			if err != nil {
				t.Fatalf("ToHTML() error = %v", err)
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("ToHTML() = %v, want it to contain %v", got, tt.contains)
			}
		})
	}

	t.Run("Script stripped", func(t *testing.T) {
		got, err := ToHTML("hi <script>alert(1)</script>")
		if err != nil {
			t.Fatalf("ToHTML() error = %v", err)
		}
		if strings.Contains(got, "<script>") {
			t.Errorf("ToHTML() leaked script tag: %v", got)
		}
	})
}

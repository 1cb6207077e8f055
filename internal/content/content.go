package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const (
	MaxDisplayNameLength = 64
	MaxMessageLength     = 4096
	maxEmojiLength       = 8
)

var (
	policy     = bluemonday.UGCPolicy()
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	markdown   = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for names and report reasons; message bodies are stored as
// typed and only sanitized when rendered.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a message body from markdown to sanitized HTML.
// On a conversion failure the escaped text is returned.
func Render(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return Escape(text)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String()))
}

// ValidateDisplayName checks that the name is not blank, fits the length
// limit and has no control characters.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("display name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return errors.New("display name is too long")
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return errors.New("display name contains control characters")
	}
	return nil
}

func ValidateEmail(email string) error {
	if email == "" {
		return errors.New("email cannot be empty")
	}
	if !emailRegex.MatchString(email) {
		return errors.New("email is not valid")
	}
	return nil
}

// ValidateMessage rejects blank and oversized message bodies.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return errors.New("message is too long")
	}
	return nil
}

// ValidateEmoji checks a reaction key. Reactions are stored under the emoji
// as a document field name, so dots and dollar signs are not allowed.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return errors.New("emoji cannot be empty")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLength {
		return errors.New("emoji is too long")
	}
	for _, r := range emoji {
		if r == '.' || r == '$' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("emoji contains invalid characters")
		}
	}
	return nil
}

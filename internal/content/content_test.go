package content

import (
	"strings"
	"testing"
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

func TestEscape(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML chars", "<div>Hello</div>", "&lt;div&gt;Hello&lt;/div&gt;"},
		{"Quotes", `"Hello" 'World'`, "&#34;Hello&#34; &#39;World&#39;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Escape(tt.input); got != tt.expected {
				t.Errorf("Escape() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		absent   string
	}{
		{"Emphasis", "hello **world**", "<strong>world</strong>", ""},
		{"Strikethrough", "~~gone~~", "<del>gone</del>", ""},
		{"Raw script dropped", "hi <script>alert(1)</script>", "hi", "<script>"},
		{"Javascript link dropped", "[x](javascript:alert(1))", "x", "javascript:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.input)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Render() = %q, want it to contain %q", got, tt.contains)
			}
			if tt.absent != "" && strings.Contains(got, tt.absent) {
				t.Errorf("Render() = %q, must not contain %q", got, tt.absent)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid", "Alice Smith", false},
		{"Unicode", "Алиса 🌸", false},
		{"Empty", "", true},
		{"Blank", "   ", true},
		{"Too long", strings.Repeat("a", MaxDisplayNameLength+1), true},
		{"Control character", "Alice\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"alice@example.com", false},
		{"a.b+tag@mail.example.org", false},
		{"", true},
		{"alice", true},
		{"alice@example", true},
		{"alice @example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateEmail(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEmoji(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"👍", false},
		{"❤️", false},
		{"+1", false},
		{"", true},
		{"a.b", true},
		{"$set", true},
		{"👍 👍", true},
		{strings.Repeat("👍", maxEmojiLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateEmoji(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmoji(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage("hi"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMessage(" \n "); err == nil {
		t.Error("expected error for blank message")
	}
	if err := ValidateMessage(strings.Repeat("x", MaxMessageLength+1)); err == nil {
		t.Error("expected error for long message")
	}
}

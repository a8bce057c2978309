package service

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDeriveChatTitle(t *testing.T) {
	fifty := strings.Repeat("a", 50)
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "short", message: "Hello", want: "Hello"},
		{name: "exactly fifty", message: fifty, want: fifty},
		{name: "fifty one", message: fifty + "b", want: fifty + "..."},
		{name: "multibyte is cut on rune boundary", message: strings.Repeat("你", 60), want: strings.Repeat("你", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveChatTitle(tt.message)
			if got != tt.want {
				t.Fatalf("DeriveChatTitle() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("title is not valid UTF-8")
			}
		})
	}
}

func TestResolveChatIdentity(t *testing.T) {
	t.Run("supplied id is used as is", func(t *testing.T) {
		res := ResolveChatIdentity("existing", "Hello", fixedID("fresh"))
		if res.ChatID != "existing" || res.IsNew || res.Title != "" {
			t.Fatalf("resolution = %+v", res)
		}
	})
	t.Run("absent id creates a new chat", func(t *testing.T) {
		res := ResolveChatIdentity("", "Hello", fixedID("fresh"))
		if res.ChatID != "fresh" || !res.IsNew || res.Title != "Hello" {
			t.Fatalf("resolution = %+v", res)
		}
	})
	t.Run("default generator yields distinct ids", func(t *testing.T) {
		a := ResolveChatIdentity("", "x", nil)
		b := ResolveChatIdentity("", "x", nil)
		if a.ChatID == "" || a.ChatID == b.ChatID {
			t.Fatalf("ids = %q, %q", a.ChatID, b.ChatID)
		}
	})
}

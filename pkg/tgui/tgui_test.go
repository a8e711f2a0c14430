package tgui

import (
	"strings"
	"testing"
)

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo", 2, "hé…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestLinkEscapes(t *testing.T) {
	got := Link("a<b", `https://x.test/?q="1"&r=2`).String()
	want := `<a href="https://x.test/?q=&#34;1&#34;&amp;r=2">a&lt;b</a>`
	if got != want {
		t.Fatalf("Link = %q, want %q", got, want)
	}
	if !IsHTML(" html ") || IsHTML("MarkdownV2") {
		t.Fatalf("IsHTML mismatch")
	}
}

func TestURLKeyboard(t *testing.T) {
	rm := URLKeyboard("", "https://shop.test")
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("keyboard = %+v", rm.InlineKeyboard)
	}
	btn := rm.InlineKeyboard[0][0]
	if btn.Text != "https://shop.test" || btn.URL != "https://shop.test" {
		t.Fatalf("button = %+v", btn)
	}
	long := URLBtn(strings.Repeat("x", 100), "https://shop.test")
	if n := len([]rune(long.Text)); n != MaxButtonTextLen+1 {
		t.Fatalf("label runes = %d, want %d", n, MaxButtonTextLen+1)
	}
}

package tgui

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Inline is a small builder for inline keyboards (ReplyMarkup).
// It stores rows as tele.Row ([]tele.Btn) and applies them via ReplyMarkup.Inline().
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

// Row appends a new row (buttons) to the inline keyboard.
func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns underlying reply markup.
func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// URLBtn creates a URL button; the label is trimmed to MaxButtonTextLen.
func URLBtn(text, url string) tele.Btn {
	text = strings.TrimSpace(text)
	if text == "" {
		text = url
	}
	return tele.Btn{Text: TruncRunes(text, MaxButtonTextLen), URL: url}
}

// URLKeyboard is a one-button inline keyboard.
func URLKeyboard(text, url string) *tele.ReplyMarkup {
	return NewInline().Row(URLBtn(text, url)).Markup()
}

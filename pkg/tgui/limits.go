package tgui

// MaxMessageLen is Telegram's text limit for one message, in runes.
const MaxMessageLen = 4096

// MaxButtonTextLen keeps inline button labels readable on mobile clients.
const MaxButtonTextLen = 64

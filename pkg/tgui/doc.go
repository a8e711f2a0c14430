// Package tgui holds small Telegram formatting helpers: inline URL
// keyboards, HTML escaping for ParseMode="HTML", and length limits.
package tgui

// Package platformtest provides a scripted in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"sync"

	"promobot/internal/platform"
)

type Call struct {
	Method     string
	ChatID     string
	Text       string
	MessageIDs []int
	Options    platform.SendOptions
}

// Client records every call and delegates to the optional hooks.
// A nil hook means success.
type Client struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	SendFunc   func(chatID, text string, opt platform.SendOptions) (int, error)
	DeleteFunc func(chatID string, messageID int) error
	BulkFunc   func(chatID string, messageIDs []int) error

	Chat      platform.ChatInfo
	ChatErr   error
	Member    platform.MemberInfo
	MemberErr error
}

func New() *Client { return &Client{nextID: 1000} }

func (c *Client) record(call Call) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls returns a copy of the recorded calls, optionally filtered by method.
func (c *Client) Calls(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, 0, len(c.calls))
	for _, call := range c.calls {
		if method == "" || call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *Client) SendMessage(ctx context.Context, chatID string, text string, opt platform.SendOptions) (int, error) {
	c.record(Call{Method: "send", ChatID: chatID, Text: text, Options: opt})
	if c.SendFunc != nil {
		return c.SendFunc(chatID, text, opt)
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return id, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int) error {
	c.record(Call{Method: "delete", ChatID: chatID, MessageIDs: []int{messageID}})
	if c.DeleteFunc != nil {
		return c.DeleteFunc(chatID, messageID)
	}
	return nil
}

func (c *Client) DeleteMessages(ctx context.Context, chatID string, messageIDs []int) error {
	c.record(Call{Method: "bulk", ChatID: chatID, MessageIDs: append([]int(nil), messageIDs...)})
	if c.BulkFunc != nil {
		return c.BulkFunc(chatID, messageIDs)
	}
	return nil
}

func (c *Client) GetChat(ctx context.Context, chatID string) (platform.ChatInfo, error) {
	c.record(Call{Method: "chat", ChatID: chatID})
	if c.ChatErr != nil {
		return platform.ChatInfo{}, c.ChatErr
	}
	info := c.Chat
	if info.ID == "" {
		info.ID = chatID
	}
	return info, nil
}

func (c *Client) GetBotMember(ctx context.Context, chatID string) (platform.MemberInfo, error) {
	c.record(Call{Method: "member", ChatID: chatID})
	if c.MemberErr != nil {
		return platform.MemberInfo{}, c.MemberErr
	}
	return c.Member, nil
}

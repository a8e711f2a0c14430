// Package telegram implements platform.Client on top of telebot.
//
// Every API call waits on a shared token bucket so the worker stays under
// the global Bot API send rate. Bot API rejections are translated into
// *platform.Error values carrying the numeric code and any flood-wait hint.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"promobot/internal/platform"
	rtsup "promobot/internal/runtime/supervisor"
	logx "promobot/pkg/logx"
	"promobot/pkg/tgui"
)

const (
	DefaultRatePerSec  = 25
	DefaultPollTimeout = 10 * time.Second
)

type Config struct {
	Token  string
	APIURL string
	// RatePerSec bounds API calls across all chats.
	RatePerSec int
	Burst      int
	// PollUpdates enables long polling for membership updates.
	PollUpdates bool
	PollTimeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	chatTypes sync.Map // chat id -> tele.ChatType

	// OnMembership is called for every my_chat_member update while polling.
	OnMembership func(platform.MembershipChange)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"my_chat_member"}},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
	b.Handle(tele.OnMyChatMember, c.onMyChatMember)
	return c, nil
}

// SetRate changes the API call budget without restarting.
func (c *Client) SetRate(perSec, burst int) {
	if perSec <= 0 {
		return
	}
	if burst <= 0 {
		burst = perSec
	}
	c.limiter.SetLimit(rate.Limit(perSec))
	c.limiter.SetBurst(burst)
	c.log.Info("rate limit updated", logx.Int("rate_per_sec", perSec), logx.Int("burst", burst))
}

// chat addresses a chat by numeric id or @username.
type chat string

func (c chat) Recipient() string { return string(c) }

func (c *Client) wait(ctx context.Context) error { return c.limiter.Wait(ctx) }

func (c *Client) SendMessage(ctx context.Context, chatID string, text string, opt platform.SendOptions) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	so := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.DisableNotification,
	}
	if opt.ReplyToMessageID > 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyToMessageID}
	}
	if opt.Button != nil && opt.Button.URL != "" {
		so.ReplyMarkup = tgui.URLKeyboard(opt.Button.Text, opt.Button.URL)
	}
	msg, err := c.bot.Send(chat(chatID), text, so)
	if err != nil {
		return 0, translateError("sendMessage", err)
	}
	return msg.ID, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.bot.Raw("deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return translateError("deleteMessage", err)
}

func (c *Client) DeleteMessages(ctx context.Context, chatID string, messageIDs []int) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > platform.MaxBulkDelete {
		return &platform.Error{
			Op:          "deleteMessages",
			Code:        400,
			Description: fmt.Sprintf("Bad Request: too many message ids (%d > %d)", len(messageIDs), platform.MaxBulkDelete),
		}
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.bot.Raw("deleteMessages", map[string]any{
		"chat_id":     chatID,
		"message_ids": messageIDs,
	})
	return translateError("deleteMessages", err)
}

func (c *Client) GetChat(ctx context.Context, chatID string) (platform.ChatInfo, error) {
	if err := c.wait(ctx); err != nil {
		return platform.ChatInfo{}, err
	}
	ch, err := c.bot.ChatByUsername(chatID)
	if err != nil {
		return platform.ChatInfo{}, translateError("getChat", err)
	}
	c.chatTypes.Store(chatID, ch.Type)
	info := platform.ChatInfo{
		ID:       strconv.FormatInt(ch.ID, 10),
		Type:     string(ch.Type),
		Title:    ch.Title,
		Username: ch.Username,
	}
	// The member count is decoration; a failure here does not fail the lookup.
	if n, err := c.memberCount(ctx, chatID); err == nil {
		info.MemberCount = n
	} else {
		c.log.Debug("member count unavailable", logx.String("chat_id", chatID), logx.Err(err))
	}
	return info, nil
}

func (c *Client) memberCount(ctx context.Context, chatID string) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	raw, err := c.bot.Raw("getChatMemberCount", map[string]any{"chat_id": chatID})
	if err != nil {
		return 0, translateError("getChatMemberCount", err)
	}
	var resp struct {
		Result int `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, err
	}
	return resp.Result, nil
}

func (c *Client) GetBotMember(ctx context.Context, chatID string) (platform.MemberInfo, error) {
	typ, ok := c.chatType(chatID)
	if !ok {
		if _, err := c.GetChat(ctx, chatID); err != nil {
			return platform.MemberInfo{}, err
		}
		typ, _ = c.chatType(chatID)
	}
	if err := c.wait(ctx); err != nil {
		return platform.MemberInfo{}, err
	}
	m, err := c.bot.ChatMemberOf(chat(chatID), c.bot.Me)
	if err != nil {
		return platform.MemberInfo{}, translateError("getChatMember", err)
	}
	return memberInfo(m, typ), nil
}

func (c *Client) chatType(chatID string) (tele.ChatType, bool) {
	v, ok := c.chatTypes.Load(chatID)
	if !ok {
		return "", false
	}
	return v.(tele.ChatType), true
}

func (c *Client) onMyChatMember(tc tele.Context) error {
	u := tc.ChatMember()
	if u == nil || u.Chat == nil {
		return nil
	}
	id := strconv.FormatInt(u.Chat.ID, 10)
	c.chatTypes.Store(id, u.Chat.Type)
	change := platform.MembershipChange{
		ChatID:   id,
		ChatType: string(u.Chat.Type),
		Title:    u.Chat.Title,
		Old:      memberInfo(u.OldChatMember, u.Chat.Type),
		New:      memberInfo(u.NewChatMember, u.Chat.Type),
	}
	c.log.Info("membership changed",
		logx.String("chat_id", id),
		logx.String("old", change.Old.Status),
		logx.String("new", change.New.Status),
	)
	if c.OnMembership != nil {
		c.OnMembership(change)
	}
	return nil
}

// memberInfo maps a chat member onto posting capabilities. In channels only
// administrators with the post right may publish; in groups any member that
// is not restricted may.
func memberInfo(m *tele.ChatMember, typ tele.ChatType) platform.MemberInfo {
	if m == nil {
		return platform.MemberInfo{Status: platform.MemberLeft}
	}
	channel := typ == tele.ChatChannel
	info := platform.MemberInfo{Status: string(m.Role)}
	switch m.Role {
	case tele.Creator:
		info.IsAdmin = true
		info.CanPostMessages = true
		info.CanDeleteMessages = true
		info.CanPinMessages = true
	case tele.Administrator:
		info.IsAdmin = true
		info.CanPostMessages = !channel || m.CanPostMessages
		info.CanDeleteMessages = m.CanDeleteMessages
		info.CanPinMessages = m.CanPinMessages
	case tele.Member:
		info.CanPostMessages = !channel
	case tele.Restricted:
		info.CanPostMessages = !channel && m.CanSendMessages
	}
	return info
}

// translateError turns a Bot API rejection into *platform.Error. Transport
// failures are returned unchanged so classification can see the net error.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return floodError(op, flood.RetryAfter, err)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return floodError(op, floodPtr.RetryAfter, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		desc := apiErr.Description
		if desc == "" {
			desc = apiErr.Message
		}
		return &platform.Error{Op: op, Code: apiErr.Code, Description: desc, Err: err}
	}
	if code, desc, ok := parsePlainAPIError(err.Error()); ok {
		return &platform.Error{Op: op, Code: code, Description: desc, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// plainAPIError matches the "telegram: <description> (<code>)" errors telebot
// builds for rejections it has no predefined value for.
var plainAPIError = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)

func parsePlainAPIError(msg string) (int, string, bool) {
	m := plainAPIError.FindStringSubmatch(strings.TrimSpace(msg))
	if m == nil {
		return 0, "", false
	}
	code, err := strconv.Atoi(m[2])
	if err != nil || code < 400 {
		return 0, "", false
	}
	return code, m[1], true
}

func floodError(op string, retryAfter int, err error) error {
	return &platform.Error{
		Op:          op,
		Code:        429,
		Description: fmt.Sprintf("Too Many Requests: retry after %d", retryAfter),
		RetryAfter:  time.Duration(retryAfter) * time.Second,
		Err:         err,
	}
}

// Start begins long polling for membership updates when enabled.
func (c *Client) Start(ctx context.Context) error {
	if !c.cfg.PollUpdates {
		return nil
	}
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	c.runMu.Unlock()

	sup.Go("telebot.stop_on_cancel", func(ctx context.Context) error {
		<-ctx.Done()
		c.bot.Stop()
		return nil
	})
	// bot.Start blocks until Stop; an early return while the context is
	// still live is treated as a failure so the poller is restarted.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.log.Info("polling started")
		c.bot.Start()
		c.log.Info("polling stopped")
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling. Shutdown never waits longer than a short grace window
// on a pending getUpdates call.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	c.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go c.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		c.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

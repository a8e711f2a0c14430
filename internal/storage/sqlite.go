package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"promobot/internal/model"
	logx "promobot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteDestinationCols = `id, platform_id, title, chat_type, is_active, can_post, can_delete,
	max_posts_per_day, cooldown_minutes, total_posts, posts_today, last_post_at, created_at, updated_at`

func scanSQLiteDestination(row interface{ Scan(...any) error }) (model.Destination, error) {
	var (
		d                     model.Destination
		lastPost, created, up int64
	)
	err := row.Scan(&d.ID, &d.PlatformID, &d.Title, &d.ChatType, &d.IsActive, &d.CanPost, &d.CanDelete,
		&d.MaxPostsPerDay, &d.CooldownMinutes, &d.Stats.TotalPosts, &d.Stats.PostsToday, &lastPost, &created, &up)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Destination{}, ErrNotFound
	}
	if err != nil {
		return model.Destination{}, err
	}
	d.Stats.LastPostAt = fromMillis(lastPost)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(up)
	return d, nil
}

func (s *sqliteStore) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDestinationCols+` FROM destinations WHERE id = ?`, id)
	return scanSQLiteDestination(row)
}

func (s *sqliteStore) GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDestinationCols+` FROM destinations WHERE platform_id = ?`, platformID)
	return scanSQLiteDestination(row)
}

func (s *sqliteStore) ListDestinations(ctx context.Context, ids []string) ([]model.Destination, error) {
	out := make([]model.Destination, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDestination(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *sqliteStore) UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error) {
	now := time.Now()
	if d.ID == "" {
		if prev, err := s.GetDestinationByPlatformID(ctx, d.PlatformID); err == nil {
			d.ID = prev.ID
		} else if !errors.Is(err, ErrNotFound) {
			return model.Destination{}, err
		} else {
			d.ID = uuid.NewString()
		}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(`+sqliteDestinationCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   platform_id=excluded.platform_id, title=excluded.title, chat_type=excluded.chat_type,
		   is_active=excluded.is_active, can_post=excluded.can_post, can_delete=excluded.can_delete,
		   max_posts_per_day=excluded.max_posts_per_day, cooldown_minutes=excluded.cooldown_minutes,
		   total_posts=excluded.total_posts, posts_today=excluded.posts_today, last_post_at=excluded.last_post_at,
		   updated_at=excluded.updated_at`,
		d.ID, d.PlatformID, d.Title, d.ChatType, d.IsActive, d.CanPost, d.CanDelete,
		d.MaxPostsPerDay, d.CooldownMinutes, d.Stats.TotalPosts, d.Stats.PostsToday, millis(d.Stats.LastPostAt),
		millis(d.CreatedAt), millis(d.UpdatedAt),
	)
	if err != nil {
		return model.Destination{}, err
	}
	return s.GetDestination(ctx, d.ID)
}

func (s *sqliteStore) SaveDestinationStats(ctx context.Context, id string, st model.DestinationStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE destinations SET total_posts=?, posts_today=?, last_post_at=?, updated_at=? WHERE id=?`,
		st.TotalPosts, st.PostsToday, millis(st.LastPostAt), millis(time.Now()), id)
	return affected(res, err)
}

func (s *sqliteStore) SetDestinationAccess(ctx context.Context, id string, active, canPost bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE destinations SET is_active=?, can_post=?, updated_at=? WHERE id=?`,
		active, canPost, millis(time.Now()), id)
	return affected(res, err)
}

const sqliteCampaignCols = `id, name, destination_ids, creative_ids, priority, status, ends_at, created_at, updated_at`

func scanSQLiteCampaign(row interface{ Scan(...any) error }) (model.Campaign, error) {
	var (
		c                  model.Campaign
		dests, creatives   string
		ends, created, upd int64
	)
	err := row.Scan(&c.ID, &c.Name, &dests, &creatives, &c.Priority, &c.Status, &ends, &created, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, err
	}
	if err := json.Unmarshal([]byte(dests), &c.DestinationIDs); err != nil {
		return model.Campaign{}, fmt.Errorf("campaign %s destination_ids: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(creatives), &c.CreativeIDs); err != nil {
		return model.Campaign{}, fmt.Errorf("campaign %s creative_ids: %w", c.ID, err)
	}
	c.EndsAt = fromMillis(ends)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(upd)
	return c, nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	return scanSQLiteCampaign(s.db.QueryRowContext(ctx, `SELECT `+sqliteCampaignCols+` FROM campaigns WHERE id = ?`, id))
}

func (s *sqliteStore) ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	q := `SELECT ` + sqliteCampaignCols + ` FROM campaigns`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	now := time.Now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Priority == "" {
		c.Priority = model.PriorityMedium
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	dests, _ := json.Marshal(nonNil(c.DestinationIDs))
	creatives, _ := json.Marshal(nonNil(c.CreativeIDs))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(`+sqliteCampaignCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, destination_ids=excluded.destination_ids, creative_ids=excluded.creative_ids,
		   priority=excluded.priority, status=excluded.status, ends_at=excluded.ends_at, updated_at=excluded.updated_at`,
		c.ID, c.Name, string(dests), string(creatives), string(c.Priority), string(c.Status),
		millis(c.EndsAt), millis(c.CreatedAt), millis(now),
	)
	if err != nil {
		return model.Campaign{}, err
	}
	return s.GetCampaign(ctx, c.ID)
}

func (s *sqliteStore) SetCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status=?, updated_at=? WHERE id=?`,
		string(status), millis(time.Now()), id)
	return affected(res, err)
}

func (s *sqliteStore) getCreative(ctx context.Context, id string) (model.Creative, error) {
	var (
		c    model.Creative
		used int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, caption, cta_text, cta_url, parse_mode, usage_count, last_used_at FROM creatives WHERE id = ?`, id,
	).Scan(&c.ID, &c.Caption, &c.CTAText, &c.CTAURL, &c.ParseMode, &c.UsageCount, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Creative{}, ErrNotFound
	}
	if err != nil {
		return model.Creative{}, err
	}
	c.LastUsedAt = fromMillis(used)
	return c, nil
}

func (s *sqliteStore) ListCreatives(ctx context.Context, ids []string) ([]model.Creative, error) {
	out := make([]model.Creative, 0, len(ids))
	for _, id := range ids {
		c, err := s.getCreative(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *sqliteStore) UpsertCreative(ctx context.Context, c model.Creative) (model.Creative, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO creatives(id, caption, cta_text, cta_url, parse_mode) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET caption=excluded.caption, cta_text=excluded.cta_text,
		   cta_url=excluded.cta_url, parse_mode=excluded.parse_mode`,
		c.ID, c.Caption, c.CTAText, c.CTAURL, c.ParseMode)
	if err != nil {
		return model.Creative{}, err
	}
	return s.getCreative(ctx, c.ID)
}

func (s *sqliteStore) IncrementCreativeUsage(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE creatives SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`, millis(at), id)
	return affected(res, err)
}

func (s *sqliteStore) AdvanceRotation(ctx context.Context, campaignID string, kind model.RotationKind, count int) (int, error) {
	if count <= 0 {
		return 0, ErrEmptyRotation
	}
	col := "last_destination_index"
	initDest, initCreative := 0, -1
	if kind == model.RotationCreative {
		col = "last_creative_index"
		initDest, initCreative = -1, 0
	}
	var next int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO rotation_state(campaign_id, last_destination_index, last_creative_index) VALUES(?,?,?)
		 ON CONFLICT(campaign_id) DO UPDATE SET `+col+` = (MAX(rotation_state.`+col+`, -1) + 1) % ?
		 RETURNING `+col,
		campaignID, initDest, initCreative, count,
	).Scan(&next)
	return next, err
}

func (s *sqliteStore) GetRotation(ctx context.Context, campaignID string) (model.RotationState, error) {
	st := model.NewRotationState(campaignID)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_destination_index, last_creative_index FROM rotation_state WHERE campaign_id = ?`, campaignID,
	).Scan(&st.LastDestinationIndex, &st.LastCreativeIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	return st, err
}

func (s *sqliteStore) ResetRotation(ctx context.Context, campaignID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rotation_state(campaign_id, last_destination_index, last_creative_index) VALUES(?, -1, -1)
		 ON CONFLICT(campaign_id) DO UPDATE SET last_destination_index = -1, last_creative_index = -1`, campaignID)
	return err
}

func (s *sqliteStore) RecordSentMessage(ctx context.Context, m model.SentMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(chat_id, message_id, destination_id, campaign_id, creative_id, sent_at, deleted_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, message_id) DO UPDATE SET destination_id=excluded.destination_id,
		   campaign_id=excluded.campaign_id, creative_id=excluded.creative_id, sent_at=excluded.sent_at,
		   deleted_at=excluded.deleted_at`,
		m.ChatID, m.MessageID, m.DestinationID, m.CampaignID, m.CreativeID, millis(m.SentAt), millis(m.DeletedAt))
	return err
}

func (s *sqliteStore) ListSentMessages(ctx context.Context, destinationID string, sentBefore time.Time) ([]model.SentMessage, error) {
	q := `SELECT chat_id, message_id, destination_id, campaign_id, creative_id, sent_at
	      FROM sent_messages WHERE destination_id = ? AND deleted_at = 0`
	args := []any{destinationID}
	if !sentBefore.IsZero() {
		q += ` AND sent_at < ?`
		args = append(args, millis(sentBefore))
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY message_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SentMessage
	for rows.Next() {
		var (
			m    model.SentMessage
			sent int64
		)
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.DestinationID, &m.CampaignID, &m.CreativeID, &sent); err != nil {
			return nil, err
		}
		m.SentAt = fromMillis(sent)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MaxSentMessageID(ctx context.Context, destinationID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(message_id) FROM sent_messages WHERE destination_id = ?`, destinationID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64), nil
}

func (s *sqliteStore) MarkMessagesDeleted(ctx context.Context, chatID string, messageIDs []int, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(messageIDs)+2)
	args = append(args, millis(at), chatID)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE sent_messages SET deleted_at = ? WHERE chat_id = ? AND deleted_at = 0 AND message_id IN (`+marks+`)`,
		args...)
	return err
}

func (s *sqliteStore) PruneSentMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sent_messages WHERE sent_at < ?`, millis(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"promobot/internal/model"
	logx "promobot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	pcfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const pgDestinationCols = `id, platform_id, title, chat_type, is_active, can_post, can_delete,
	max_posts_per_day, cooldown_minutes, total_posts, posts_today, last_post_at, created_at, updated_at`

func scanPGDestination(row pgx.Row) (model.Destination, error) {
	var (
		d        model.Destination
		lastPost *time.Time
	)
	err := row.Scan(&d.ID, &d.PlatformID, &d.Title, &d.ChatType, &d.IsActive, &d.CanPost, &d.CanDelete,
		&d.MaxPostsPerDay, &d.CooldownMinutes, &d.Stats.TotalPosts, &d.Stats.PostsToday, &lastPost,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Destination{}, ErrNotFound
	}
	if err != nil {
		return model.Destination{}, fmt.Errorf("scanning destination: %w", err)
	}
	if lastPost != nil {
		d.Stats.LastPostAt = *lastPost
	}
	return d, nil
}

func (s *postgresStore) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	return scanPGDestination(s.pool.QueryRow(ctx, `SELECT `+pgDestinationCols+` FROM destinations WHERE id = $1`, id))
}

func (s *postgresStore) GetDestinationByPlatformID(ctx context.Context, platformID string) (model.Destination, error) {
	return scanPGDestination(s.pool.QueryRow(ctx,
		`SELECT `+pgDestinationCols+` FROM destinations WHERE platform_id = $1`, platformID))
}

func (s *postgresStore) ListDestinations(ctx context.Context, ids []string) ([]model.Destination, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgDestinationCols+` FROM destinations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying destinations: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]model.Destination, len(ids))
	for rows.Next() {
		d, err := scanPGDestination(rows)
		if err != nil {
			return nil, err
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Destination, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *postgresStore) UpsertDestination(ctx context.Context, d model.Destination) (model.Destination, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	query := `
		INSERT INTO destinations (` + pgDestinationCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (platform_id) DO UPDATE SET
			title = EXCLUDED.title,
			chat_type = EXCLUDED.chat_type,
			is_active = EXCLUDED.is_active,
			can_post = EXCLUDED.can_post,
			can_delete = EXCLUDED.can_delete,
			max_posts_per_day = EXCLUDED.max_posts_per_day,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			total_posts = EXCLUDED.total_posts,
			posts_today = EXCLUDED.posts_today,
			last_post_at = EXCLUDED.last_post_at,
			updated_at = now()
		RETURNING ` + pgDestinationCols
	return scanPGDestination(s.pool.QueryRow(ctx, query,
		d.ID, d.PlatformID, d.Title, d.ChatType, d.IsActive, d.CanPost, d.CanDelete,
		d.MaxPostsPerDay, d.CooldownMinutes, d.Stats.TotalPosts, d.Stats.PostsToday, nullTime(d.Stats.LastPostAt)))
}

func (s *postgresStore) SaveDestinationStats(ctx context.Context, id string, st model.DestinationStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE destinations SET total_posts = $2, posts_today = $3, last_post_at = $4, updated_at = now() WHERE id = $1`,
		id, st.TotalPosts, st.PostsToday, nullTime(st.LastPostAt))
	if err != nil {
		return fmt.Errorf("saving destination stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) SetDestinationAccess(ctx context.Context, id string, active, canPost bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE destinations SET is_active = $2, can_post = $3, updated_at = now() WHERE id = $1`, id, active, canPost)
	if err != nil {
		return fmt.Errorf("updating destination access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgCampaignCols = `id, name, destination_ids, creative_ids, priority, status, ends_at, created_at, updated_at`

func scanPGCampaign(row pgx.Row) (model.Campaign, error) {
	var (
		c              model.Campaign
		priority, stat string
		endsAt         *time.Time
	)
	err := row.Scan(&c.ID, &c.Name, &c.DestinationIDs, &c.CreativeIDs, &priority, &stat, &endsAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, fmt.Errorf("scanning campaign: %w", err)
	}
	c.Priority = model.Priority(priority)
	c.Status = model.CampaignStatus(stat)
	if endsAt != nil {
		c.EndsAt = *endsAt
	}
	return c, nil
}

func (s *postgresStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	return scanPGCampaign(s.pool.QueryRow(ctx, `SELECT `+pgCampaignCols+` FROM campaigns WHERE id = $1`, id))
}

func (s *postgresStore) ListCampaigns(ctx context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgCampaignCols+` FROM campaigns WHERE ($1 = '' OR status = $1) ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()
	var out []model.Campaign
	for rows.Next() {
		c, err := scanPGCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertCampaign(ctx context.Context, c model.Campaign) (model.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Priority == "" {
		c.Priority = model.PriorityMedium
	}
	query := `
		INSERT INTO campaigns (id, name, destination_ids, creative_ids, priority, status, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			destination_ids = EXCLUDED.destination_ids,
			creative_ids = EXCLUDED.creative_ids,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			ends_at = EXCLUDED.ends_at,
			updated_at = now()
		RETURNING ` + pgCampaignCols
	return scanPGCampaign(s.pool.QueryRow(ctx, query,
		c.ID, c.Name, nonNil(c.DestinationIDs), nonNil(c.CreativeIDs), string(c.Priority), string(c.Status), nullTime(c.EndsAt)))
}

func (s *postgresStore) SetCampaignStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaigns SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListCreatives(ctx context.Context, ids []string) ([]model.Creative, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, caption, cta_text, cta_url, parse_mode, usage_count, last_used_at FROM creatives WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying creatives: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]model.Creative, len(ids))
	for rows.Next() {
		var (
			c    model.Creative
			used *time.Time
		)
		if err := rows.Scan(&c.ID, &c.Caption, &c.CTAText, &c.CTAURL, &c.ParseMode, &c.UsageCount, &used); err != nil {
			return nil, fmt.Errorf("scanning creative: %w", err)
		}
		if used != nil {
			c.LastUsedAt = *used
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]model.Creative, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *postgresStore) UpsertCreative(ctx context.Context, c model.Creative) (model.Creative, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var used *time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO creatives (id, caption, cta_text, cta_url, parse_mode)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			caption = EXCLUDED.caption,
			cta_text = EXCLUDED.cta_text,
			cta_url = EXCLUDED.cta_url,
			parse_mode = EXCLUDED.parse_mode
		RETURNING usage_count, last_used_at`,
		c.ID, c.Caption, c.CTAText, c.CTAURL, c.ParseMode,
	).Scan(&c.UsageCount, &used)
	if err != nil {
		return model.Creative{}, fmt.Errorf("upserting creative: %w", err)
	}
	if used != nil {
		c.LastUsedAt = *used
	}
	return c, nil
}

func (s *postgresStore) IncrementCreativeUsage(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE creatives SET usage_count = usage_count + 1, last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("incrementing creative usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) AdvanceRotation(ctx context.Context, campaignID string, kind model.RotationKind, count int) (int, error) {
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
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rotation_state (campaign_id, last_destination_index, last_creative_index)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id) DO UPDATE SET
			`+col+` = (GREATEST(rotation_state.`+col+`, -1) + 1) % $4::int
		RETURNING `+col,
		campaignID, initDest, initCreative, count,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("advancing rotation: %w", err)
	}
	return next, nil
}

func (s *postgresStore) GetRotation(ctx context.Context, campaignID string) (model.RotationState, error) {
	st := model.NewRotationState(campaignID)
	err := s.pool.QueryRow(ctx,
		`SELECT last_destination_index, last_creative_index FROM rotation_state WHERE campaign_id = $1`, campaignID,
	).Scan(&st.LastDestinationIndex, &st.LastCreativeIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	return st, err
}

func (s *postgresStore) ResetRotation(ctx context.Context, campaignID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rotation_state (campaign_id, last_destination_index, last_creative_index)
		VALUES ($1, -1, -1)
		ON CONFLICT (campaign_id) DO UPDATE SET last_destination_index = -1, last_creative_index = -1`, campaignID)
	return err
}

func (s *postgresStore) RecordSentMessage(ctx context.Context, m model.SentMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sent_messages (chat_id, message_id, destination_id, campaign_id, creative_id, sent_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id, message_id) DO UPDATE SET
			destination_id = EXCLUDED.destination_id,
			campaign_id = EXCLUDED.campaign_id,
			creative_id = EXCLUDED.creative_id,
			sent_at = EXCLUDED.sent_at,
			deleted_at = EXCLUDED.deleted_at`,
		m.ChatID, m.MessageID, m.DestinationID, m.CampaignID, m.CreativeID, m.SentAt, nullTime(m.DeletedAt))
	if err != nil {
		return fmt.Errorf("recording sent message: %w", err)
	}
	return nil
}

func (s *postgresStore) ListSentMessages(ctx context.Context, destinationID string, sentBefore time.Time) ([]model.SentMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, message_id, destination_id, campaign_id, creative_id, sent_at
		FROM sent_messages
		WHERE destination_id = $1 AND deleted_at IS NULL AND ($2::timestamptz IS NULL OR sent_at < $2)
		ORDER BY message_id`,
		destinationID, nullTime(sentBefore))
	if err != nil {
		return nil, fmt.Errorf("querying sent messages: %w", err)
	}
	defer rows.Close()
	var out []model.SentMessage
	for rows.Next() {
		var m model.SentMessage
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.DestinationID, &m.CampaignID, &m.CreativeID, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scanning sent message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *postgresStore) MaxSentMessageID(ctx context.Context, destinationID string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(message_id), 0) FROM sent_messages WHERE destination_id = $1`, destinationID).Scan(&max)
	return max, err
}

func (s *postgresStore) MarkMessagesDeleted(ctx context.Context, chatID string, messageIDs []int, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE sent_messages SET deleted_at = $3 WHERE chat_id = $1 AND deleted_at IS NULL AND message_id = ANY($2)`,
		chatID, messageIDs, at)
	if err != nil {
		return fmt.Errorf("marking messages deleted: %w", err)
	}
	return nil
}

func (s *postgresStore) PruneSentMessages(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sent_messages WHERE sent_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning sent messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lechat/internal/session"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated aliases the session sentinel so callers can match
	// either package.
	ErrUnauthenticated = session.ErrUnauthenticated
)

// CreateChat creates a chat owned by the current user. The title is truncated
// to TitleLimit characters; createdAt and lastUpdated are equal at creation.
func (s *Store) CreateChat(ctx context.Context, title string) (string, error) {
	user, err := s.sessions.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}

	id := uuid.NewString()
	now := s.now()
	q := s.sql.Insert("chats").
		Columns("id", "user_id", "title", "created_at", "last_updated").
		Values(id, user.ID, truncateTitle(title), now, now)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build create chat query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	return id, nil
}

// UpdateChatTitle replaces the title of one of the current user's chats.
func (s *Store) UpdateChatTitle(ctx context.Context, chatID, title string) error {
	user, err := s.sessions.Current(ctx)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}

	q := s.sql.Update("chats").
		Set("title", truncateTitle(title)).
		Where(sq.Eq{"id": chatID, "user_id": user.ID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update title query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update chat title: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage durably commits a message to a chat. Every attachment's local
// file is uploaded to the object store first; any upload failure aborts the
// whole append so no message is ever visible with a dangling attachment
// reference. The inverse is not guaranteed: an uploaded blob may be orphaned
// if the transaction fails afterwards.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg Message) error {
	user, err := s.sessions.Current(ctx)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	stored, err := s.uploadAttachments(ctx, msg.Attachments)
	if err != nil {
		return err
	}

	attachmentsJSON, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	checkQ := s.sql.Select("id").From("chats").Where(sq.Eq{"id": chatID, "user_id": user.ID})
	sqlStr, args, err := checkQ.ToSql()
	if err != nil {
		return fmt.Errorf("build chat check query: %w", err)
	}
	var existing string
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return fmt.Errorf("check chat exists: %w", err)
	}

	touchQ := s.sql.Update("chats").Set("last_updated", now).Where(sq.Eq{"id": chatID})
	sqlStr, args, err = touchQ.ToSql()
	if err != nil {
		return fmt.Errorf("build touch chat query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	insertQ := s.sql.Insert("messages").
		Columns("id", "chat_id", "user_id", "role", "content", "attachments_json", "created_at").
		Values(id, chatID, user.ID, msg.Role, msg.Content, string(attachmentsJSON), now)
	sqlStr, args, err = insertQ.ToSql()
	if err != nil {
		return fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// uploadAttachments moves each attachment's local file into the object store,
// concurrently, and rewrites URL fields to storage references. All-or-nothing.
func (s *Store) uploadAttachments(ctx context.Context, attachments []Attachment) ([]Attachment, error) {
	if len(attachments) == 0 {
		return []Attachment{}, nil
	}

	out := make([]Attachment, len(attachments))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range attachments {
		i, a := i, a
		g.Go(func() error {
			name := a.Name
			if name == "" {
				name = fmt.Sprintf("file-%d", s.now().UnixMilli())
			}
			ref, err := s.blobs.Put(gctx, a.URL, name)
			if err != nil {
				return fmt.Errorf("upload attachment %q: %w", a.Name, err)
			}
			s.metrics.Uploads.Inc()
			out[i] = Attachment{URL: ref, Name: a.Name, ContentType: a.ContentType}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns a chat's messages in createdAt ascending order, with
// every attachment reference resolved to a fresh time-limited download URL.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	user, err := s.sessions.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	checkQ := s.sql.Select("id").From("chats").Where(sq.Eq{"id": chatID, "user_id": user.ID})
	sqlStr, args, err := checkQ.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chat check query: %w", err)
	}
	var existing string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&existing); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return nil, fmt.Errorf("check chat exists: %w", err)
	}

	q := s.sql.Select("id", "chat_id", "role", "content", "attachments_json", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC")
	sqlStr, args, err = q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var attachmentsJSON string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &attachmentsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments for message %s: %w", m.ID, err)
		}
		for i, a := range m.Attachments {
			resolved, err := s.blobs.ResolveURL(ctx, a.URL)
			if err != nil {
				return nil, fmt.Errorf("resolve attachment %q: %w", a.Name, err)
			}
			m.Attachments[i].URL = resolved
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// ListChats groups the current user's chats into five disjoint recency
// buckets. Boundaries are day-aligned (midnight), not rolling windows.
func (s *Store) ListChats(ctx context.Context) (GroupedChats, error) {
	user, err := s.sessions.Current(ctx)
	if err != nil {
		return GroupedChats{}, fmt.Errorf("list chats: %w", err)
	}

	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)
	sevenDaysAgo := today.AddDate(0, 0, -7)
	thirtyDaysAgo := today.AddDate(0, 0, -30)

	var grouped GroupedChats
	ranges := []struct {
		dst      *[]Chat
		from, to *time.Time
	}{
		{&grouped.Today, &today, nil},
		{&grouped.Yesterday, &yesterday, &today},
		{&grouped.SevenDays, &sevenDaysAgo, &yesterday},
		{&grouped.ThirtyDays, &thirtyDaysAgo, &sevenDaysAgo},
		{&grouped.Older, nil, &thirtyDaysAgo},
	}
	for _, r := range ranges {
		chats, err := s.listChatRange(ctx, user.ID, r.from, r.to)
		if err != nil {
			return GroupedChats{}, err
		}
		*r.dst = chats
	}
	return grouped, nil
}

func (s *Store) listChatRange(ctx context.Context, userID string, from, to *time.Time) ([]Chat, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at", "last_updated").
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("last_updated DESC")
	if from != nil {
		q = q.Where(sq.GtOrEq{"last_updated": *from})
	}
	if to != nil {
		q = q.Where(sq.Lt{"last_updated": *to})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func truncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= TitleLimit {
		return title
	}
	return string(r[:TitleLimit])
}

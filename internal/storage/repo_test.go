package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lechat/internal/session"
)

type fakeBlobs struct {
	mu   sync.Mutex
	fail bool
	puts []string
	seq  int
}

func (f *fakeBlobs) Put(_ context.Context, localPath, objectName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("object store unavailable")
	}
	f.seq++
	f.puts = append(f.puts, localPath)
	return fmt.Sprintf("blob://%d/%s", f.seq, objectName), nil
}

func (f *fakeBlobs) ResolveURL(_ context.Context, ref string) (string, error) {
	return "https://cdn.example/" + ref, nil
}

func openTestStore(t *testing.T, blobs *fakeBlobs) *Store {
	t.Helper()
	provider := session.ContextProvider{}
	// Pooled connections each see their own ":memory:" database, so tests
	// use a file-backed db.
	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), true, "", provider, blobs, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func authedCtx(userID string) context.Context {
	return session.WithUser(context.Background(), &session.User{ID: userID})
}

func TestCreateChatTruncatesTitle(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	id, err := store.CreateChat(ctx, "Hello world")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	grouped, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(grouped.Today) != 1 {
		t.Fatalf("expected 1 chat today, got %d", len(grouped.Today))
	}
	got := grouped.Today[0]
	if got.ID != id {
		t.Fatalf("chat id = %q, want %q", got.ID, id)
	}
	if got.Title != "Hello worl" {
		t.Fatalf("title = %q, want %q", got.Title, "Hello worl")
	}
	if !got.CreatedAt.Equal(got.LastUpdated) {
		t.Fatalf("createdAt %v != lastUpdated %v at creation", got.CreatedAt, got.LastUpdated)
	}
}

func TestCreateChatShortTitleKept(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	if _, err := store.CreateChat(ctx, "héllo"); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	grouped, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if grouped.Today[0].Title != "héllo" {
		t.Fatalf("title = %q, want %q", grouped.Today[0].Title, "héllo")
	}
}

func TestCreateChatUnauthenticated(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})

	_, err := store.CreateChat(context.Background(), "hi")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAppendMessageOrdering(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	chatID, err := store.CreateChat(ctx, "ordering")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := store.AppendMessage(ctx, chatID, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := store.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i); m.Content != want {
			t.Fatalf("message %d content = %q, want %q", i, m.Content, want)
		}
		if i > 0 && msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d createdAt %v precedes previous %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestAppendMessageUploadsBeforeInsert(t *testing.T) {
	blobs := &fakeBlobs{}
	store := openTestStore(t, blobs)
	ctx := authedCtx("u1")

	chatID, err := store.CreateChat(ctx, "uploads")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	msg := Message{
		Role:    RoleUser,
		Content: "see attached",
		Attachments: []Attachment{
			{URL: "/tmp/a.png", Name: "a.png", ContentType: "image/png"},
			{URL: "/tmp/b.pdf", Name: "b.pdf", ContentType: "application/pdf"},
		},
	}
	if err := store.AppendMessage(ctx, chatID, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(blobs.puts) != 2 {
		t.Fatalf("expected 2 uploads, got %d", len(blobs.puts))
	}

	msgs, err := store.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Attachments) != 2 {
		t.Fatalf("unexpected transcript shape: %+v", msgs)
	}
	for _, a := range msgs[0].Attachments {
		if !strings.HasPrefix(a.URL, "https://cdn.example/blob://") {
			t.Fatalf("attachment URL not resolved, got %q", a.URL)
		}
	}
}

func TestAppendMessageUploadFailureLeavesNoMessage(t *testing.T) {
	blobs := &fakeBlobs{}
	store := openTestStore(t, blobs)
	ctx := authedCtx("u1")

	chatID, err := store.CreateChat(ctx, "failure")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	before, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}

	blobs.fail = true
	msg := Message{
		Role:        RoleUser,
		Content:     "doomed",
		Attachments: []Attachment{{URL: "/tmp/x.png", Name: "x.png", ContentType: "image/png"}},
	}
	if err := store.AppendMessage(ctx, chatID, msg); err == nil {
		t.Fatal("expected append to fail")
	}

	msgs, err := store.ListMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty transcript after failed append, got %d messages", len(msgs))
	}

	after, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if !after.Today[0].LastUpdated.Equal(before.Today[0].LastUpdated) {
		t.Fatal("lastUpdated moved despite failed append")
	}
}

func TestAppendMessageUnknownChat(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	err := store.AppendMessage(ctx, "nope", Message{Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessageForeignChat(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})

	chatID, err := store.CreateChat(authedCtx("owner"), "mine")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	err = store.AppendMessage(authedCtx("intruder"), chatID, Message{Role: RoleUser, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign chat, got %v", err)
	}
	if _, err := store.ListMessages(authedCtx("intruder"), chatID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound listing foreign chat, got %v", err)
	}
}

func TestListChatsBuckets(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		title string
		at    time.Time
	}{
		{"today-late", midnight.Add(14 * time.Hour)},
		{"today-edge", midnight},
		{"yday-late", midnight.Add(-time.Minute)},
		{"yday-edge", midnight.AddDate(0, 0, -1)},
		{"week", midnight.AddDate(0, 0, -3)},
		{"month", midnight.AddDate(0, 0, -20)},
		{"older", midnight.AddDate(0, 0, -40)},
	}
	ids := make(map[string]string, len(cases))
	for _, c := range cases {
		store.now = func() time.Time { return c.at }
		id, err := store.CreateChat(ctx, c.title)
		if err != nil {
			t.Fatalf("create %s: %v", c.title, err)
		}
		ids[c.title] = id
	}

	store.now = func() time.Time { return now }
	grouped, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}

	assertBucket := func(name string, got []Chat, wantTitles ...string) {
		t.Helper()
		if len(got) != len(wantTitles) {
			t.Fatalf("%s: expected %d chats, got %d", name, len(wantTitles), len(got))
		}
		for i, title := range wantTitles {
			if got[i].ID != ids[title] {
				t.Fatalf("%s[%d] = %q, want chat %q", name, i, got[i].Title, title)
			}
		}
	}

	// Most recent first inside each bucket; boundaries are inclusive at the
	// newer edge.
	assertBucket("today", grouped.Today, "today-late", "today-edge")
	assertBucket("yesterday", grouped.Yesterday, "yday-late", "yday-edge")
	assertBucket("sevenDays", grouped.SevenDays, "week")
	assertBucket("thirtyDays", grouped.ThirtyDays, "month")
	assertBucket("older", grouped.Older, "older")
}

func TestListChatsScopedToUser(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})

	if _, err := store.CreateChat(authedCtx("u1"), "mine"); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	grouped, err := store.ListChats(authedCtx("u2"))
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	total := len(grouped.Today) + len(grouped.Yesterday) + len(grouped.SevenDays) + len(grouped.ThirtyDays) + len(grouped.Older)
	if total != 0 {
		t.Fatalf("expected no chats for other user, got %d", total)
	}
}

func TestUpdateChatTitle(t *testing.T) {
	store := openTestStore(t, &fakeBlobs{})
	ctx := authedCtx("u1")

	chatID, err := store.CreateChat(ctx, "old")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := store.UpdateChatTitle(ctx, chatID, "renamed but far too long"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	grouped, err := store.ListChats(ctx)
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if got := grouped.Today[0].Title; got != "renamed bu" {
		t.Fatalf("title = %q, want %q", got, "renamed bu")
	}

	if err := store.UpdateChatTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

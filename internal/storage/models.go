package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleLimit is the fixed character limit applied to chat titles at creation.
const TitleLimit = 10

type Chat struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Attachment URL semantics depend on lifecycle stage: a local file path before
// upload, a storage reference once committed, a resolved time-limited download
// URL once read back. The three representations must never be confused.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// GroupedChats partitions a user's chats into five disjoint recency buckets
// with day-aligned boundaries, each sorted by LastUpdated descending.
type GroupedChats struct {
	Today      []Chat `json:"today"`
	Yesterday  []Chat `json:"yesterday"`
	SevenDays  []Chat `json:"sevenDays"`
	ThirtyDays []Chat `json:"thirtyDays"`
	Older      []Chat `json:"older"`
}

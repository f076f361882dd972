package internal

import (
	"time"
)

type Link struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShortCode   string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"short_code"`
	OriginalURL string     `gorm:"type:text;index;not null" json:"original_url"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt   *time.Time `gorm:"index" json:"expires_at"`
	ClickCount  int64      `gorm:"not null;default:0" json:"click_count"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	UserID      *int64     `gorm:"index" json:"user_id"`
}

// IsExpired reports whether the link is past its expiry at now.
func (l *Link) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// OwnedBy reports whether p owns the link. Links without an owner are
// owned by nobody.
func (l *Link) OwnedBy(p *Principal) bool {
	return p != nil && l.UserID != nil && *l.UserID == p.ID
}

func (Link) TableName() string { return "links" }

type LinkAnalytics struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ShortCode  string `gorm:"type:varchar(32);not null;uniqueIndex:idx_analytics_code_country"`
	Country    string `gorm:"type:varchar(16);not null;uniqueIndex:idx_analytics_code_country"`
	ClickCount int64  `gorm:"not null;default:0"`
}

func (LinkAnalytics) TableName() string { return "link_analytics" }

// Principal is the acting user as resolved by the auth collaborator.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type LinkStats struct {
	OriginalURL string           `json:"original_url"`
	CreatedAt   time.Time        `json:"created_at"`
	ClickCount  int64            `json:"click_count"`
	LastUsedAt  *time.Time       `json:"last_used_at"`
	Countries   map[string]int64 `json:"countries,omitempty"`
}

type ClickEvent struct {
	ShortCode string    `json:"short_code"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"user_agent"`
	Country   string    `json:"country"`
}

// Package models holds the relational records shared by the engagement services.
// Timestamps are unix milliseconds so ordering and cursor comparisons stay exact
// on every supported driver.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TargetKind names the entity a vote applies to.
type TargetKind string

const (
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

// Valid reports whether the kind is one of the supported targets.
func (k TargetKind) Valid() bool {
	return k == TargetPost || k == TargetComment
}

// NotificationKind enumerates the producing actions.
type NotificationKind string

const (
	NotificationFollow  NotificationKind = "follow"
	NotificationVote    NotificationKind = "vote"
	NotificationComment NotificationKind = "comment"
	NotificationReply   NotificationKind = "reply"
	NotificationMessage NotificationKind = "message"
)

// Valid reports whether the kind is a known producing action.
func (k NotificationKind) Valid() bool {
	switch k {
	case NotificationFollow, NotificationVote, NotificationComment, NotificationReply, NotificationMessage:
		return true
	}
	return false
}

// User is the minimal account record consulted by the engagement core.
type User struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	Username     string `gorm:"column:username;size:64;not null;uniqueIndex"`
	InterestTags TagSet `gorm:"column:interest_tags;type:text;not null;default:'[]'"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Project is a community posts may belong to; Tags is denormalized.
type Project struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:190;not null"`
	OwnerID     string `gorm:"column:owner_id;size:190;not null;index"`
	Tags        TagSet `gorm:"column:tags;type:text;not null;default:'[]'"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Membership links a user to a project.
type Membership struct {
	ProjectID   string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "project_members"
}

// Follow is a directed follower -> followee edge.
type Follow struct {
	FollowerID  string `gorm:"column:follower_id;primaryKey;size:190;not null"`
	FolloweeID  string `gorm:"column:followee_id;primaryKey;size:190;not null;index"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return "follows"
}

// Post is authored content, optionally inside a project.
type Post struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	AuthorID    string  `gorm:"column:author_id;size:190;not null;index"`
	ProjectID   *string `gorm:"column:project_id;size:190;index"`
	Title       string  `gorm:"column:title;size:300;not null"`
	Content     string  `gorm:"column:content;type:text;not null"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null;index:idx_posts_created,priority:1"`
	IsDeleted   bool    `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Comment belongs to a post and optionally replies to another comment of the same post.
type Comment struct {
	ID          string  `gorm:"column:id;primaryKey;size:190;not null"`
	PostID      string  `gorm:"column:post_id;size:190;not null;index:idx_comments_post_created,priority:1"`
	ParentID    *string `gorm:"column:parent_id;size:190;index"`
	AuthorID    string  `gorm:"column:author_id;size:190;not null"`
	Content     string  `gorm:"column:content;type:text;not null"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null;index:idx_comments_post_created,priority:2"`
	IsDeleted   bool    `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Vote is one voter's signed opinion of a target. Absence of a row is the neutral state.
type Vote struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	VoterID     string     `gorm:"column:voter_id;size:190;not null;uniqueIndex:idx_votes_voter_target,priority:1"`
	TargetID    string     `gorm:"column:target_id;size:190;not null;uniqueIndex:idx_votes_voter_target,priority:2;index:idx_votes_target,priority:1"`
	TargetKind  TargetKind `gorm:"column:target_kind;size:16;not null;uniqueIndex:idx_votes_voter_target,priority:3;index:idx_votes_target,priority:2"`
	Value       int        `gorm:"column:value;not null"`
	UpdatedAtMs int64      `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// Notification is a durable record pushed live to its recipient when possible.
type Notification struct {
	ID          string           `gorm:"column:id;primaryKey;size:190;not null"`
	RecipientID string           `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient,priority:1"`
	TriggerID   *string          `gorm:"column:trigger_id;size:190"`
	Kind        NotificationKind `gorm:"column:kind;size:32;not null"`
	Content     string           `gorm:"column:content;type:text;not null"`
	Read        bool             `gorm:"column:is_read;not null;default:false"`
	CreatedAtMs int64            `gorm:"column:created_at_ms;not null;index:idx_notifications_recipient,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Message is a persisted direct message.
type Message struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	SenderID    string `gorm:"column:sender_id;size:190;not null;index:idx_messages_pair,priority:1"`
	ReceiverID  string `gorm:"column:receiver_id;size:190;not null;index:idx_messages_pair,priority:2"`
	Content     string `gorm:"column:content;type:text;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null;index:idx_messages_pair,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// All lists every record type for schema migration.
func All() []interface{} {
	return []interface{}{
		&User{}, &Project{}, &Membership{}, &Follow{}, &Post{}, &Comment{},
		&Vote{}, &Notification{}, &Message{},
	}
}

// UnixMillis converts a time to the stored representation.
func UnixMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TagSet is a normalized, sorted, de-duplicated set of lowercase tags stored as JSON.
type TagSet []string

// NewTagSet normalizes raw tags.
func NewTagSet(raw ...string) TagSet {
	seen := make(map[string]struct{}, len(raw))
	tags := make(TagSet, 0, len(raw))
	for _, tag := range raw {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		tags = append(tags, normalized)
	}
	sort.Strings(tags)
	return tags
}

// Intersect counts tags present in both sets.
func (s TagSet) Intersect(other TagSet) int {
	if len(s) == 0 || len(other) == 0 {
		return 0
	}
	lookup := make(map[string]struct{}, len(s))
	for _, tag := range s {
		lookup[tag] = struct{}{}
	}
	count := 0
	for _, tag := range NewTagSet(other...) {
		if _, ok := lookup[tag]; ok {
			count++
		}
	}
	return count
}

// Value implements driver.Valuer.
func (s TagSet) Value() (driver.Value, error) {
	normalized := NewTagSet(s...)
	encoded, err := json.Marshal([]string(normalized))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (s *TagSet) Scan(value interface{}) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*s = TagSet{}
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("models: cannot scan %T into TagSet", value)
	}
	if len(raw) == 0 {
		*s = TagSet{}
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return fmt.Errorf("models: decode tag set: %w", err)
	}
	*s = NewTagSet(tags...)
	return nil
}

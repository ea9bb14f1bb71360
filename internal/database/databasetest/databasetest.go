// Package databasetest opens throwaway migrated stores and seeds fixtures. Test use only.
package databasetest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/devcircle/backend/internal/config"
	"github.com/devcircle/backend/internal/database"
	"github.com/devcircle/backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BaseTime is the fixture epoch; seeded rows are offset from it in seconds.
var BaseTime = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

// At returns BaseTime plus the given number of seconds, in stored form.
func At(seconds int) int64 {
	return models.UnixMillis(BaseTime.Add(time.Duration(seconds) * time.Second))
}

// Open creates a migrated sqlite store inside the test's temp dir.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Options{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "engagement.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Create inserts every record or fails the test.
func Create(t testing.TB, db *gorm.DB, records ...interface{}) {
	t.Helper()
	for _, record := range records {
		if err := db.Create(record).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", record, err)
		}
	}
}

// User seeds a user with the given interest tags.
func User(t testing.TB, db *gorm.DB, id string, tags ...string) models.User {
	t.Helper()
	user := models.User{ID: id, Username: id, InterestTags: models.NewTagSet(tags...), CreatedAtMs: At(0)}
	Create(t, db, &user)
	return user
}

// Post seeds a post created at the given offset, optionally inside a project.
func Post(t testing.TB, db *gorm.DB, id, authorID, projectID string, offsetSeconds int) models.Post {
	t.Helper()
	post := models.Post{ID: id, AuthorID: authorID, Title: id, Content: "content of " + id, CreatedAtMs: At(offsetSeconds)}
	if projectID != "" {
		post.ProjectID = &projectID
	}
	Create(t, db, &post)
	return post
}

// Comment seeds a comment; an empty parentID makes it top level.
func Comment(t testing.TB, db *gorm.DB, id, postID, parentID, authorID string, offsetSeconds int) models.Comment {
	t.Helper()
	comment := models.Comment{ID: id, PostID: postID, AuthorID: authorID, Content: "comment " + id, CreatedAtMs: At(offsetSeconds)}
	if parentID != "" {
		comment.ParentID = &parentID
	}
	Create(t, db, &comment)
	return comment
}

// Vote seeds a raw vote row.
func Vote(t testing.TB, db *gorm.DB, voterID, targetID string, kind models.TargetKind, value int) {
	t.Helper()
	Create(t, db, &models.Vote{
		ID:          voterID + ":" + string(kind) + ":" + targetID,
		VoterID:     voterID,
		TargetID:    targetID,
		TargetKind:  kind,
		Value:       value,
		UpdatedAtMs: At(0),
	})
}

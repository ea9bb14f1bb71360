package social

import (
	"context"
	"errors"
	"testing"

	"github.com/devcircle/backend/internal/apperrors"
	"github.com/devcircle/backend/internal/database/databasetest"
	"github.com/devcircle/backend/internal/models"
	"gorm.io/gorm"
)

type countingNotifier struct {
	recipients []string
	contents   []string
}

func (n *countingNotifier) Notify(_ context.Context, recipientID string, kind models.NotificationKind, content string, triggerID *string) (models.Notification, error) {
	n.recipients = append(n.recipients, recipientID)
	n.contents = append(n.contents, content)
	return models.Notification{RecipientID: recipientID, Kind: kind, Content: content, TriggerID: triggerID}, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *countingNotifier) {
	t.Helper()
	db := databasetest.Open(t)
	databasetest.User(t, db, "alice")
	databasetest.User(t, db, "bob")
	databasetest.Create(t, db, &models.Project{ID: "proj-go", Name: "Go", OwnerID: "alice", Tags: models.NewTagSet("go")})
	notifier := &countingNotifier{}
	service, err := NewService(ServiceConfig{Database: db, Notifier: notifier})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db, notifier
}

func TestFollowIsIdempotentAndNotifiesOnce(t *testing.T) {
	service, db, notifier := newTestService(t)
	ctx := context.Background()

	created, err := service.Follow(ctx, "alice", "bob")
	if err != nil || !created {
		t.Fatalf("expected edge to be created, got %v / %v", created, err)
	}
	created, err = service.Follow(ctx, "alice", "bob")
	if err != nil || created {
		t.Fatalf("expected repeated follow to be a no-op, got %v / %v", created, err)
	}

	var edges int64
	db.Model(&models.Follow{}).Count(&edges)
	if edges != 1 {
		t.Fatalf("expected one edge, got %d", edges)
	}
	if len(notifier.recipients) != 1 || notifier.recipients[0] != "bob" {
		t.Fatalf("expected one notification to bob, got %v", notifier.recipients)
	}
	if notifier.contents[0] != "alice started following you" {
		t.Fatalf("unexpected content %q", notifier.contents[0])
	}

	if err := service.Unfollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("unexpected unfollow error: %v", err)
	}
	if err := service.Unfollow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("expected repeated unfollow to be a no-op: %v", err)
	}
	db.Model(&models.Follow{}).Count(&edges)
	if edges != 0 {
		t.Fatalf("expected edge to be removed, got %d", edges)
	}
}

func TestFollowRejectsSelfAndUnknownUsers(t *testing.T) {
	service, _, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := service.Follow(ctx, "alice", "alice"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected self follow to be invalid, got %v", err)
	}
	if _, err := service.Follow(ctx, "alice", "ghost"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected unknown followee to be not found, got %v", err)
	}
	if len(notifier.recipients) != 0 {
		t.Fatalf("expected no notifications, got %v", notifier.recipients)
	}
}

func TestJoinAndLeaveProject(t *testing.T) {
	service, db, _ := newTestService(t)
	ctx := context.Background()

	if err := service.JoinProject(ctx, "bob", "proj-go"); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := service.JoinProject(ctx, "bob", "proj-go"); err != nil {
		t.Fatalf("expected repeated join to be a no-op: %v", err)
	}
	if err := service.JoinProject(ctx, "bob", "proj-rust"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected unknown project to be not found, got %v", err)
	}

	var members int64
	db.Model(&models.Membership{}).Count(&members)
	if members != 1 {
		t.Fatalf("expected one membership, got %d", members)
	}
	if err := service.LeaveProject(ctx, "bob", "proj-go"); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}
	db.Model(&models.Membership{}).Count(&members)
	if members != 0 {
		t.Fatalf("expected membership to be removed, got %d", members)
	}
}

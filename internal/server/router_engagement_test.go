package server

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/devcircle/backend/internal/database/databasetest"
	"github.com/devcircle/backend/internal/feed"
	"github.com/devcircle/backend/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func TestToggleVoteEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.User(t, fixture.db, "bob")
	databasetest.Post(t, fixture.db, "p1", "bob", "", 10)

	var result voteResponsePayload
	status := fixture.do(t, http.MethodPost, "/votes", "alice", voteRequestPayload{TargetID: "p1", TargetKind: "post", Value: 1}, &result)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if result.NewValue != 1 || result.ScoreDelta != 1 || result.Score != 1 {
		t.Fatalf("unexpected vote result %#v", result)
	}

	status = fixture.do(t, http.MethodPost, "/votes", "alice", voteRequestPayload{TargetID: "p1", TargetKind: "post", Value: 1}, &result)
	if status != http.StatusOK || result.NewValue != 0 || result.ScoreDelta != -1 || result.Score != 0 {
		t.Fatalf("expected repeated upvote to clear, got %d %#v", status, result)
	}

	var inbox notificationListPayload
	fixture.do(t, http.MethodGet, "/notifications", "bob", nil, &inbox)
	if len(inbox.Notifications) != 1 || inbox.Notifications[0].Kind != models.NotificationVote {
		t.Fatalf("expected one vote notification for the author, got %#v", inbox.Notifications)
	}
}

func TestToggleVoteEndpointRejections(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.Post(t, fixture.db, "p1", "alice", "", 10)

	testCases := []struct {
		name    string
		userID  string
		payload voteRequestPayload
		status  int
	}{
		{name: "anonymous", payload: voteRequestPayload{TargetID: "p1", TargetKind: "post", Value: 1}, status: http.StatusUnauthorized},
		{name: "bad intent", userID: "alice", payload: voteRequestPayload{TargetID: "p1", TargetKind: "post", Value: 2}, status: http.StatusBadRequest},
		{name: "bad kind", userID: "alice", payload: voteRequestPayload{TargetID: "p1", TargetKind: "project", Value: 1}, status: http.StatusBadRequest},
		{name: "missing target", userID: "alice", payload: voteRequestPayload{TargetID: "ghost", TargetKind: "post", Value: -1}, status: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if status := fixture.do(t, http.MethodPost, "/votes", testCase.userID, testCase.payload, nil); status != testCase.status {
				t.Fatalf("expected %d, got %d", testCase.status, status)
			}
		})
	}

	var votes int64
	fixture.db.Model(&models.Vote{}).Count(&votes)
	if votes != 0 {
		t.Fatalf("expected rejected votes to leave no rows, found %d", votes)
	}
}

func TestCommentEndpointsBuildThreads(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.User(t, fixture.db, "bob")
	databasetest.Post(t, fixture.db, "p1", "alice", "", 10)

	var root commentPayload
	if status := fixture.do(t, http.MethodPost, "/posts/p1/comments", "bob", createCommentRequestPayload{Content: "first!"}, &root); status != http.StatusCreated {
		t.Fatalf("expected 201 for top-level comment, got %d", status)
	}
	var reply commentPayload
	if status := fixture.do(t, http.MethodPost, "/posts/p1/comments", "alice", createCommentRequestPayload{ParentID: &root.ID, Content: "thanks"}, &reply); status != http.StatusCreated {
		t.Fatalf("expected 201 for reply, got %d", status)
	}
	if reply.ParentID == nil || *reply.ParentID != root.ID {
		t.Fatalf("expected reply to reference %s, got %#v", root.ID, reply.ParentID)
	}

	var tree struct {
		Comments []struct {
			ID       string `json:"id"`
			Author   string `json:"author"`
			Children []struct {
				ID string `json:"id"`
			} `json:"children"`
		} `json:"comments"`
	}
	if status := fixture.do(t, http.MethodGet, "/posts/p1/comments", "bob", nil, &tree); status != http.StatusOK {
		t.Fatalf("expected 200 for tree, got %d", status)
	}
	if len(tree.Comments) != 1 || tree.Comments[0].ID != root.ID || tree.Comments[0].Author != "bob" {
		t.Fatalf("unexpected roots %#v", tree.Comments)
	}
	if len(tree.Comments[0].Children) != 1 || tree.Comments[0].Children[0].ID != reply.ID {
		t.Fatalf("unexpected children %#v", tree.Comments[0].Children)
	}

	var missing errorResponse
	if status := fixture.do(t, http.MethodGet, "/posts/ghost/comments", "bob", nil, &missing); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown post, got %d", status)
	}
	if missing.Error == "" {
		t.Fatalf("expected an error code in the body")
	}
}

func TestFeedEndpointPaginatesAndFilters(t *testing.T) {
	fixture := newAPIFixture(t)
	for _, id := range []string{"alice", "bob", "carol"} {
		databasetest.User(t, fixture.db, id)
	}
	databasetest.Post(t, fixture.db, "p1", "bob", "", 10)
	databasetest.Post(t, fixture.db, "p2", "carol", "", 20)
	databasetest.Post(t, fixture.db, "p3", "bob", "", 30)

	if status := fixture.do(t, http.MethodPost, "/follows/bob", "alice", nil, nil); status != http.StatusCreated {
		t.Fatalf("expected 201 for new follow, got %d", status)
	}

	var subscribed feed.Page
	fixture.do(t, http.MethodGet, "/feed?mode=subscribed", "alice", nil, &subscribed)
	if len(subscribed.Items) != 2 || subscribed.Items[0].ID != "p3" || subscribed.Items[1].ID != "p1" {
		t.Fatalf("unexpected subscribed feed %#v", subscribed.Items)
	}
	if subscribed.NextCursor != nil {
		t.Fatalf("expected no cursor at the end of the data")
	}

	var first feed.Page
	fixture.do(t, http.MethodGet, "/feed?limit=2", "alice", nil, &first)
	if len(first.Items) != 2 || first.NextCursor == nil {
		t.Fatalf("expected a full first page with a cursor, got %#v", first)
	}
	var second feed.Page
	fixture.do(t, http.MethodGet, "/feed?limit=2&cursor="+url.QueryEscape(*first.NextCursor), "alice", nil, &second)
	if len(second.Items) != 1 || second.Items[0].ID != "p1" || second.NextCursor != nil {
		t.Fatalf("unexpected second page %#v", second)
	}

	for _, path := range []string{"/feed?mode=trending", "/feed?limit=abc", "/feed?cursor=%25%25"} {
		if status := fixture.do(t, http.MethodGet, path, "alice", nil, nil); status != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", path, status)
		}
	}
}

func TestFollowAndNotificationLifecycle(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.User(t, fixture.db, "bob")

	if status := fixture.do(t, http.MethodPost, "/follows/alice", "bob", nil, nil); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if status := fixture.do(t, http.MethodPost, "/follows/alice", "bob", nil, nil); status != http.StatusOK {
		t.Fatalf("expected repeated follow to be 200, got %d", status)
	}
	if status := fixture.do(t, http.MethodPost, "/follows/alice", "alice", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected self follow to be rejected, got %d", status)
	}

	var inbox notificationListPayload
	fixture.do(t, http.MethodGet, "/notifications", "alice", nil, &inbox)
	if len(inbox.Notifications) != 1 {
		t.Fatalf("expected exactly one follow notification, got %#v", inbox.Notifications)
	}
	notification := inbox.Notifications[0]
	if notification.Kind != models.NotificationFollow || notification.TriggerUser == nil || *notification.TriggerUser != "bob" {
		t.Fatalf("unexpected notification %#v", notification)
	}

	path := "/notifications/" + notification.ID
	if status := fixture.do(t, http.MethodPost, path+"/read", "bob", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected another user's notification to be missing, got %d", status)
	}
	if status := fixture.do(t, http.MethodPost, path+"/read", "alice", nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 for mark read, got %d", status)
	}
	var unread notificationListPayload
	fixture.do(t, http.MethodGet, "/notifications?unread=true", "alice", nil, &unread)
	if len(unread.Notifications) != 0 {
		t.Fatalf("expected no unread notifications, got %#v", unread.Notifications)
	}
	if status := fixture.do(t, http.MethodDelete, path, "alice", nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 for delete, got %d", status)
	}
	if status := fixture.do(t, http.MethodDelete, path, "alice", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for repeated delete, got %d", status)
	}

	if status := fixture.do(t, http.MethodDelete, "/follows/alice", "bob", nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 for unfollow, got %d", status)
	}
}

func TestProjectMembershipEndpoints(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.Create(t, fixture.db, &models.Project{ID: "go", Name: "Go", OwnerID: "alice", Tags: models.NewTagSet("go")})

	if status := fixture.do(t, http.MethodPost, "/projects/go/members", "alice", nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 for join, got %d", status)
	}
	if status := fixture.do(t, http.MethodPost, "/projects/rust/members", "alice", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown project, got %d", status)
	}
	if status := fixture.do(t, http.MethodDelete, "/projects/go/members", "alice", nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected 204 for leave, got %d", status)
	}
}

func TestConversationEndpoint(t *testing.T) {
	fixture := newAPIFixture(t)
	databasetest.User(t, fixture.db, "alice")
	databasetest.User(t, fixture.db, "bob")
	databasetest.Create(t, fixture.db,
		&models.Message{ID: "m2", SenderID: "bob", ReceiverID: "alice", Content: "hey", CreatedAtMs: databasetest.At(20)},
		&models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAtMs: databasetest.At(10)},
		&models.Message{ID: "m3", SenderID: "carol", ReceiverID: "alice", Content: "unrelated", CreatedAtMs: databasetest.At(30)},
	)

	var conversation conversationPayload
	if status := fixture.do(t, http.MethodGet, "/messages/bob", "alice", nil, &conversation); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(conversation.Messages) != 2 || conversation.Messages[0].ID != "m1" || conversation.Messages[1].ID != "m2" {
		t.Fatalf("unexpected conversation %#v", conversation.Messages)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	fixture := newAPIFixture(t)

	var health map[string]string
	if status := fixture.do(t, http.MethodGet, "/healthz", "", nil, &health); status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("unexpected health response %d %#v", status, health)
	}
	if status := fixture.do(t, http.MethodGet, "/metrics", "", nil, nil); status != http.StatusOK {
		t.Fatalf("expected metrics to be served, got %d", status)
	}
}

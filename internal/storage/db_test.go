package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"socialmesh/go-node/internal/platform/errs"
	"socialmesh/go-node/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), MemoryDSN)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func TestOpenFileDatabaseIsReusable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "node.db")
	db, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.UpsertIdentity(ctx, models.Identity{PeerID: "p1", Username: "alice"}); err != nil {
		t.Fatalf("upsert identity: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := db.GetIdentity(ctx, "p1")
	if err != nil || got.Username != "alice" {
		t.Fatalf("expected persisted identity, got %+v %v", got, err)
	}
}

func TestHeartbeatFieldsMerge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)
	if err := db.UpsertPeer(ctx, models.PeerUpdate{PeerID: "p1", Username: ptr("Alice"), SeenAt: t0}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	t1 := time.Now()
	if err := db.UpsertPeer(ctx, models.PeerUpdate{PeerID: "p1", DagRoot: ptr("r1"), SeenAt: t1}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	p, err := db.GetPeer(ctx, "p1")
	if err != nil {
		t.Fatalf("get peer: %v", err)
	}
	if p.Username != "Alice" || p.DagRoot != "r1" || p.Avatar != "" {
		t.Fatalf("expected merged record, got %+v", p)
	}
	if p.LastSeenAt.UnixMilli() != t1.UnixMilli() {
		t.Fatalf("expected last seen refreshed to %v, got %v", t1, p.LastSeenAt)
	}
	if p.DiscoveryKind != models.DiscoveryKindPubsub {
		t.Fatalf("unexpected discovery kind %q", p.DiscoveryKind)
	}
}

func TestSweepPeersByAgeAndSize(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"old", "a", "b", "c"} {
		seen := now.Add(time.Duration(i) * time.Second)
		if id == "old" {
			seen = now.Add(-2 * time.Hour)
		}
		if err := db.UpsertPeer(ctx, models.PeerUpdate{PeerID: id, SeenAt: seen}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	removed, err := db.SweepPeers(ctx, now.Add(-time.Hour), 2)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	peers, err := db.RecentPeers(ctx, 10)
	if err != nil {
		t.Fatalf("recent peers: %v", err)
	}
	if len(peers) != 2 || peers[0].PeerID != "c" || peers[1].PeerID != "b" {
		t.Fatalf("unexpected survivors %+v", peers)
	}
	if removed, err := db.SweepPeers(ctx, time.Time{}, 0); err != nil || removed != 0 {
		t.Fatalf("disabled sweep should be a no-op, got %d %v", removed, err)
	}
}

func TestFollowLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rel := models.FollowRelationship{
		OwnerID:          "me",
		TargetID:         "p1",
		RelationshipType: models.RelationshipFollowing,
		FollowedAt:       time.Now(),
		CachedLibraryID:  "bafyroot",
		CachedUsername:   "alice",
	}
	if err := db.InsertFollow(ctx, rel); err != nil {
		t.Fatalf("insert follow: %v", err)
	}
	if err := db.InsertFollow(ctx, rel); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}
	followed, err := db.IsFollowedByAnyone(ctx, "p1")
	if err != nil || !followed {
		t.Fatalf("expected p1 followed, got %v %v", followed, err)
	}
	synced := time.Now().Add(time.Minute)
	if err := db.UpdateFollowSync(ctx, "me", "p1", "bafynew", synced); err != nil {
		t.Fatalf("update sync: %v", err)
	}
	got, err := db.GetFollow(ctx, "me", "p1")
	if err != nil {
		t.Fatalf("get follow: %v", err)
	}
	if got.CachedLibraryID != "bafynew" || got.CachedUsername != "alice" || got.LastSyncedAt.UnixMilli() != synced.UnixMilli() {
		t.Fatalf("unexpected relationship %+v", got)
	}
	list, err := db.ListFollows(ctx, "me")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one follow, got %d %v", len(list), err)
	}
	if err := db.DeleteFollow(ctx, "me", "p1"); err != nil {
		t.Fatalf("delete follow: %v", err)
	}
	if err := db.DeleteFollow(ctx, "me", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.GetFollow(ctx, "me", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessagesAndNotifications(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.SaveMessage(ctx, models.Message{SenderID: "a", RecipientID: "b", Text: "hi", Timestamp: "t1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := db.SaveMessage(ctx, models.Message{SenderID: "b", RecipientID: "a", Text: "yo", Timestamp: "t2", ContentID: "bafyfile", Read: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	conv, err := db.Conversation(ctx, "a", "b", 0)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(conv) != 2 || conv[0].Text != "hi" || conv[1].ContentID != "bafyfile" || !conv[1].Read || conv[0].Read {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	if _, err := db.CreateNotification(ctx, models.Notification{OwnerID: "a", Type: models.NotificationTypeMessage, Title: "Message from b...", Message: "yo", Link: "/messages/b"}); err != nil {
		t.Fatalf("notification: %v", err)
	}
	notes, err := db.Notifications(ctx, "a", 10)
	if err != nil || len(notes) != 1 || notes[0].Link != "/messages/b" || notes[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected notifications %+v %v", notes, err)
	}
}

func TestGuardiansAndRecovery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "me", GuardianID: "g1"}, 7); err != nil {
		t.Fatalf("add guardian: %v", err)
	}
	if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "me", GuardianID: "g1"}, 7); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	gs, err := db.ListGuardians(ctx, "me")
	if err != nil || len(gs) != 1 {
		t.Fatalf("unexpected guardians %+v %v", gs, err)
	}

	req, err := db.CreateRecoveryRequest(ctx, "old", "new", time.Now())
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	for i, g := range []string{"g1", "g1", "g2"} {
		count, status, err := db.ApproveRecovery(ctx, req.ID, g, 3, time.Now())
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if status != models.RecoveryStatusPending {
			t.Fatalf("approve %d: expected pending, got %s (count %d)", i, status, count)
		}
	}
	count, status, err := db.ApproveRecovery(ctx, req.ID, "g3", 3, time.Now())
	if err != nil || count != 3 || status != models.RecoveryStatusApproved {
		t.Fatalf("expected approval at 3 votes, got %d %s %v", count, status, err)
	}
	stored, err := db.GetRecoveryRequest(ctx, req.ID)
	if err != nil || stored.Status != models.RecoveryStatusApproved {
		t.Fatalf("expected stored approved status, got %+v %v", stored, err)
	}
	if _, _, err := db.ApproveRecovery(ctx, 999, "g1", 3, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentityUpsertKeepsDagRootAndLegacySecret(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.UpsertIdentity(ctx, models.Identity{PeerID: "p1", Username: "a", DagRoot: "r1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.SetLegacySecret(ctx, "p1", "s3cret"); err != nil {
		t.Fatalf("set legacy secret: %v", err)
	}
	if err := db.UpsertIdentity(ctx, models.Identity{PeerID: "p1", Username: "b"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := db.GetIdentity(ctx, "p1")
	if err != nil || got.Username != "b" || got.DagRoot != "r1" {
		t.Fatalf("unexpected identity %+v %v", got, err)
	}
	if secret, ok := db.LegacySecret(ctx, "p1"); !ok || secret != "s3cret" {
		t.Fatalf("expected legacy secret to survive upsert, got %q %v", secret, ok)
	}
	if _, ok := db.LegacySecret(ctx, "missing"); ok {
		t.Fatal("expected no secret for unknown identity")
	}
	if err := db.SetDagRoot(ctx, "missing", "r"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errs.Category(wrap(errors.New("x"))) != errs.CategoryStorage {
		t.Fatal("storage errors should carry the storage category")
	}
}

func TestAddGuardianStopsAtLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, g := range []string{"g1", "g2"} {
		if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "me", GuardianID: g}, 2); err != nil {
			t.Fatalf("add guardian %s: %v", g, err)
		}
	}
	if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "me", GuardianID: "g3"}, 2); !errors.Is(err, ErrLimit) {
		t.Fatalf("expected ErrLimit, got %v", err)
	}
	if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "me", GuardianID: "g2"}, 2); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for an existing pair, got %v", err)
	}
	if err := db.AddGuardian(ctx, models.Guardian{OwnerID: "other", GuardianID: "g3"}, 2); err != nil {
		t.Fatalf("limit must be per owner: %v", err)
	}
}

package services

import (
	"testing"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *PersistenceService {
	t.Helper()
	dsn := "file:persist_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := NewPersistenceService(db, config.BreakerConfig{}, nil)
	if err != nil {
		t.Fatalf("new persistence: %v", err)
	}
	return store
}

func TestPersistence_SaveAndLoadSession(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	store.SaveSessionAsync(models.GuestSession{
		ID:             "sess-1",
		GuestName:      "g",
		InitialMessage: "hi",
		Priority:       "vip",
		Status:         "waiting",
		JoinedAt:       now,
		LastActivity:   now,
	})
	store.SaveMessageAsync(models.ChatMessage{
		ID:        "msg-1",
		SessionID: "sess-1",
		Sender:    "guest",
		Body:      "hi",
		Type:      "text",
		Status:    "sent",
		CreatedAt: now,
	})
	drainStore(store)

	loaded, err := store.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Priority != "vip" || loaded.GuestName != "g" {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded.Messages) != 1 || loaded.Messages[0].ID != "msg-1" {
		t.Fatalf("messages = %+v, want preloaded msg-1", loaded.Messages)
	}
}

func TestPersistence_SaveIsUpsert(t *testing.T) {
	store := newTestStore(t)

	base := models.GuestSession{ID: "sess-1", Status: "waiting", JoinedAt: time.Now(), LastActivity: time.Now()}
	store.SaveSessionAsync(base)
	base.Status = "active"
	store.SaveSessionAsync(base)
	drainStore(store)

	loaded, err := store.LoadSession("sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != "active" {
		t.Fatalf("status = %s, want active after second save", loaded.Status)
	}

	var count int64
	store.db.Model(&models.GuestSession{}).Count(&count)
	if count != 1 {
		t.Fatalf("sessions = %d, want 1 (upsert)", count)
	}
}

func TestPersistence_UpdateMessageStatus(t *testing.T) {
	store := newTestStore(t)

	store.SaveMessageAsync(models.ChatMessage{ID: "m1", SessionID: "s1", Status: "sent", CreatedAt: time.Now()})
	store.UpdateMessageStatusAsync("m1", "delivered")
	drainStore(store)

	var m models.ChatMessage
	if err := store.db.First(&m, "id = ?", "m1").Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if m.Status != "delivered" {
		t.Fatalf("status = %s, want delivered", m.Status)
	}
}

func TestPersistence_LoadMissingSession(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.LoadSession("ghost"); err == nil {
		t.Fatal("expected error for missing session")
	}
	// 未命中不是存储故障，熔断器不应计失败
	if store.breaker.FailureCount() != 0 {
		t.Fatalf("failure count = %d, want 0 on record-not-found", store.breaker.FailureCount())
	}
}

func TestPersistence_BreakerOpenSkipsWrites(t *testing.T) {
	store := newTestStore(t)
	// 强制打开熔断器
	for i := 0; i < 5; i++ {
		store.breaker.OnFailure()
	}

	store.SaveSessionAsync(models.GuestSession{ID: "sess-1", JoinedAt: time.Now(), LastActivity: time.Now()})
	drainStore(store)

	var count int64
	store.db.Model(&models.GuestSession{}).Count(&count)
	if count != 0 {
		t.Fatalf("sessions = %d, want 0 while breaker open", count)
	}
	if _, err := store.LoadSession("sess-1"); err == nil {
		t.Fatal("reads should be rejected while breaker open")
	}
}

func TestPersistence_RequeueRecord(t *testing.T) {
	store := newTestStore(t)
	store.SaveRequeueAsync(models.RequeueRecord{
		SessionID:   "s1",
		FromStaffID: "staff-1",
		Reason:      "staff_disconnect",
		OldPriority: "normal",
		NewPriority: "high",
		RequeuedAt:  time.Now(),
	})
	drainStore(store)

	var records []models.RequeueRecord
	store.db.Find(&records)
	if len(records) != 1 || records[0].NewPriority != "high" {
		t.Fatalf("records = %+v", records)
	}
}

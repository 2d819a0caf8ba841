package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"livedesk/internal/config"
)

func newHubTestClient(id, role, sessionID string) *WebSocketClient {
	return &WebSocketClient{
		ID:        id,
		Role:      role,
		SessionID: sessionID,
		Send:      make(chan Envelope, 256),
	}
}

func TestWebSocketHub_ClientManagement(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Run()

	client1 := newHubTestClient("client-1", RoleGuest, "session-1")
	client2 := newHubTestClient("client-2", RoleStaff, "")

	hub.register <- client1
	hub.register <- client2
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, hub.GetClientCount())

	hub.unregister <- client1
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.GetClientCount())

	hub.unregister <- client2
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestWebSocketHub_SessionRoomRouting(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Run()

	guest1 := newHubTestClient("guest-1", RoleGuest, "session-1")
	guest2 := newHubTestClient("guest-2", RoleGuest, "session-2")
	staff := newHubTestClient("staff-1", RoleStaff, "")

	hub.register <- guest1
	hub.register <- guest2
	hub.register <- staff
	time.Sleep(100 * time.Millisecond)

	hub.ToSession("session-1", NewEnvelope(EvtMessageReceived, "session-1", nil))

	select {
	case env := <-guest1.Send:
		assert.Equal(t, EvtMessageReceived, env.Event)
		assert.Equal(t, "session-1", env.SessionID)
	case <-time.After(1 * time.Second):
		t.Fatal("guest1 should have received the session event")
	}

	// 其他会话的访客和客服房间都不应收到
	select {
	case <-guest2.Send:
		t.Fatal("guest2 should not have received the session event")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case <-staff.Send:
		t.Fatal("staff should not have received the session event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketHub_StaffRoomBroadcast(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Run()

	guest := newHubTestClient("guest-1", RoleGuest, "session-1")
	staff1 := newHubTestClient("staff-1", RoleStaff, "")
	staff2 := newHubTestClient("staff-2", RoleStaff, "")

	hub.register <- guest
	hub.register <- staff1
	hub.register <- staff2
	time.Sleep(100 * time.Millisecond)

	hub.ToStaffRoom(NewEnvelope(EvtGuestJoinedQueue, "session-1", nil))

	for _, c := range []*WebSocketClient{staff1, staff2} {
		select {
		case env := <-c.Send:
			assert.Equal(t, EvtGuestJoinedQueue, env.Event)
		case <-time.After(1 * time.Second):
			t.Fatalf("%s should have received the staff room event", c.ID)
		}
	}
	select {
	case <-guest.Send:
		t.Fatal("guest should not have received the staff room event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketHub_ToSessionFeedsPollBuffer(t *testing.T) {
	polls := NewPollBuffer(16)
	hub := NewWebSocketHub(polls, nil)
	// 不启动 Run：轮询缓冲投递不依赖事件循环

	hub.ToSession("session-1", NewEnvelope(EvtQueuePositionUpdated, "session-1", nil))

	buffered := polls.Read("session-1", 0)
	assert.Len(t, buffered.Events, 1)
	assert.Equal(t, EvtQueuePositionUpdated, buffered.Events[0].Event)
}

func TestWebSocketHub_RebindSession(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	go hub.Run()

	guest := newHubTestClient("guest-1", RoleGuest, "")
	hub.register <- guest
	time.Sleep(100 * time.Millisecond)

	// 未绑定会话时不应收到会话事件
	hub.ToSession("session-1", NewEnvelope(EvtSessionCreated, "session-1", nil))
	select {
	case <-guest.Send:
		t.Fatal("unbound guest should not receive session events")
	case <-time.After(100 * time.Millisecond):
	}

	guest.bindSession("session-1")
	hub.ToSession("session-1", NewEnvelope(EvtQueueJoined, "session-1", nil))
	select {
	case env := <-guest.Send:
		assert.Equal(t, EvtQueueJoined, env.Event)
	case <-time.After(1 * time.Second):
		t.Fatal("bound guest should receive session events")
	}
}

func TestWebSocketHub_JoinReceivesImmediateAssignment(t *testing.T) {
	hub := NewWebSocketHub(nil, nil)
	dispatcher := NewDispatcher(config.DispatchConfig{
		DefaultMaxConcurrentChats: 3,
		AvgSessionMinutes:         8,
	}, nil, hub)
	hub.SetRouter(NewEventRouter(dispatcher, hub, nil))
	go hub.Run()

	// 已有空闲客服时加入会立刻派单；连接在入队时尚未绑定会话，
	// 绑定必须先于房间广播，否则 staff_assigned 会被静默丢弃
	dispatcher.StaffConnect("agent_1", "Alice", 3)

	guest := newHubTestClient("guest-1", RoleGuest, "")
	guest.Hub = hub
	hub.register <- guest
	time.Sleep(100 * time.Millisecond)

	payload, _ := json.Marshal(JoinPublicChat{
		GuestInfo: GuestInfo{Name: "Carol", InitialMessage: "printer is down"},
		Priority:  "normal",
	})
	guest.handleFrame(InboundFrame{Event: EvtJoinPublicChat, Data: payload})

	received := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !received[EvtStaffAssigned] {
		select {
		case env := <-guest.Send:
			received[env.Event] = true
		case <-deadline:
			t.Fatalf("staff_assigned never reached the joining guest, got %v", received)
		}
	}
	assert.True(t, received[EvtSessionCreated])
	assert.NotEmpty(t, guest.boundSession())
}

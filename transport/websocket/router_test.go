package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wricardo/collabcode/collab/events"
	"github.com/wricardo/collabcode/collab/session"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type routerFixture struct {
	store     *session.Manager
	registry  *Registry
	router    *Router
	publisher *recordingPublisher
}

func newRouterFixture() *routerFixture {
	store := session.NewManager()
	registry := NewRegistry()
	publisher := &recordingPublisher{}
	logger := discardLogger()
	router := NewRouter(store, registry, NewBroadcaster(registry, logger), publisher, logger)
	router.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return &routerFixture{store: store, registry: registry, router: router, publisher: publisher}
}

// connect registers a new connection and optionally joins it.
func (f *routerFixture) connect(id string) *fakeConn {
	c := newFakeConn(id)
	f.registry.Add(c)
	return c
}

func (f *routerFixture) send(c *fakeConn, data string) {
	f.router.Handle(context.Background(), c, []byte(data))
}

func lastEnvelope(t *testing.T, c *fakeConn) map[string]any {
	t.Helper()
	got := c.envelopes(t)
	if len(got) == 0 {
		t.Fatalf("%s received nothing", c.id)
	}
	return got[len(got)-1]
}

func TestRouter_JoinCreatesSessionAndSnapshots(t *testing.T) {
	f := newRouterFixture()
	alice := f.connect("alice")

	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice","initialCode":"print(1)"}`)

	joined := lastEnvelope(t, alice)
	if joined["type"] != "joined" {
		t.Fatalf("reply type = %v, want joined", joined["type"])
	}
	if joined["sessionId"] != "room1" || joined["userId"] != "u-alice" || joined["code"] != "print(1)" {
		t.Errorf("joined = %v", joined)
	}
	if users := joined["users"].([]any); len(users) != 1 {
		t.Errorf("joined users = %v, want 1 entry", users)
	}
	if joined["color"] == "" {
		t.Error("joined color is empty")
	}

	if _, err := f.store.Get("room1"); err != nil {
		t.Errorf("session not stored: %v", err)
	}
	if types := f.publisher.types(); len(types) != 2 || types[0] != events.SessionCreated || types[1] != events.ParticipantJoined {
		t.Errorf("events = %v", types)
	}
}

func TestRouter_SecondJoinSeesStateAndIsAnnounced(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")

	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice","initialCode":"a"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob","initialCode":"ignored"}`)

	announce := lastEnvelope(t, alice)
	if announce["type"] != "user-joined" || announce["userId"] != "u-bob" || announce["name"] != "Bob" {
		t.Errorf("alice received %v", announce)
	}

	joined := lastEnvelope(t, bob)
	if joined["code"] != "a" {
		t.Errorf("second joiner saw code %v, want the existing document", joined["code"])
	}
	if users := joined["users"].([]any); len(users) != 2 {
		t.Errorf("second joiner saw %d users, want 2", len(users))
	}
	for _, k := range bob.kinds(t) {
		if k == "user-joined" {
			t.Error("joiner was told about its own arrival")
		}
	}
}

func TestRouter_JoinGeneratesIdentifiers(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("c")

	f.send(c, `{"type":"join"}`)

	joined := lastEnvelope(t, c)
	if sid, _ := joined["sessionId"].(string); len(sid) != 12 {
		t.Errorf("generated session ID %q, want 12 characters", sid)
	}
	if uid, _ := joined["userId"].(string); uid == "" {
		t.Error("no user ID generated")
	}
	users := joined["users"].([]any)
	if name := users[0].(map[string]any)["name"].(string); name == "" {
		t.Error("no default name assigned")
	}
}

func TestRouter_JoinInvalidSession(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("c")

	f.send(c, `{"type":"join","sessionId":"has space","userId":"u1"}`)

	got := lastEnvelope(t, c)
	if got["type"] != "error" {
		t.Errorf("reply = %v, want error", got)
	}
	if f.store.Count() != 0 {
		t.Error("invalid session ID created a session")
	}
}

func TestRouter_CodeChangeExcludesSender(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	alice.reset()
	bob.reset()

	f.send(alice, `{"type":"code-change","code":"x = 2","timestamp":123}`)

	if len(alice.frames) != 0 {
		t.Errorf("sender received %v", alice.kinds(t))
	}
	got := lastEnvelope(t, bob)
	if got["type"] != "code-update" || got["code"] != "x = 2" || got["userId"] != "u-alice" || got["timestamp"] != float64(123) {
		t.Errorf("bob received %v", got)
	}

	s, _ := f.store.Get("room1")
	snap, _ := s.Snapshot()
	if snap.Document != "x = 2" {
		t.Errorf("document = %q", snap.Document)
	}
}

func TestRouter_LastWriterWins(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob"}`)

	f.send(alice, `{"type":"code-change","code":"A"}`)
	f.send(bob, `{"type":"code-change","code":"B"}`)

	s, _ := f.store.Get("room1")
	snap, _ := s.Snapshot()
	if snap.Document != "B" {
		t.Errorf("document = %q, want B", snap.Document)
	}
}

func TestRouter_CodeChangeAdoptsEnvelopeBinding(t *testing.T) {
	f := newRouterFixture()
	alice, late := f.connect("alice"), f.connect("late")
	bob := f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob"}`)
	bob.reset()

	f.send(late, `{"type":"code-change","sessionId":"room1","userId":"u-alice","code":"from late"}`)

	if b, ok := f.registry.BindingOf(late); !ok || b.SessionID != "room1" || b.UserID != "u-alice" {
		t.Errorf("binding = %+v, %v", b, ok)
	}
	if got := lastEnvelope(t, bob); got["code"] != "from late" {
		t.Errorf("bob received %v", got)
	}
}

func TestRouter_UnresolvedEnvelopesReplyError(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"code change without session", `{"type":"code-change","code":"x"}`},
		{"code change unknown session", `{"type":"code-change","sessionId":"nope","userId":"u","code":"x"}`},
		{"chat without session", `{"type":"chat-message","message":"hi"}`},
		{"cursor without session", `{"type":"cursor-move","cursor":{"line":1,"ch":1}}`},
		{"rename without session", `{"type":"name-change","newName":"n"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			c := f.connect("c")

			f.send(c, tt.data)

			got := lastEnvelope(t, c)
			if got["type"] != "error" || got["message"] != msgSessionNotFound {
				t.Errorf("reply = %v", got)
			}
			if f.store.Count() != 0 {
				t.Error("unresolved envelope created a session")
			}
		})
	}
}

func TestRouter_MalformedEnvelopeKeepsConnection(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("c")

	f.send(c, `not json`)
	if got := lastEnvelope(t, c); got["type"] != "error" || got["message"] != msgInvalidFormat {
		t.Errorf("reply = %v", got)
	}

	f.send(c, `{"type":"warp"}`)
	if got := lastEnvelope(t, c); got["type"] != "error" {
		t.Errorf("reply = %v", got)
	}

	f.send(c, `{"type":"ping"}`)
	if got := lastEnvelope(t, c); got["type"] != "pong" || got["timestamp"] != float64(1700000000000) {
		t.Errorf("reply = %v", got)
	}
}

func TestRouter_CursorOnlyBroadcastOnChange(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	bob.reset()

	f.send(alice, `{"type":"cursor-move","cursor":{"line":3,"ch":4}}`)
	f.send(alice, `{"type":"cursor-move","cursor":{"line":3,"ch":4}}`)

	got := bob.envelopes(t)
	if len(got) != 1 {
		t.Fatalf("bob received %d cursor updates, want 1", len(got))
	}
	if got[0]["type"] != "cursor-update" || got[0]["userName"] != "Alice" {
		t.Errorf("bob received %v", got[0])
	}
	cursor := got[0]["cursor"].(map[string]any)
	if cursor["line"] != float64(3) || cursor["ch"] != float64(4) {
		t.Errorf("cursor = %v", cursor)
	}
}

func TestRouter_CursorFromMissingParticipantRestoresIt(t *testing.T) {
	f := newRouterFixture()
	alice, ghost := f.connect("alice"), f.connect("ghost")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	alice.reset()

	f.send(ghost, `{"type":"cursor-move","sessionId":"room1","userId":"user-ghost","color":"#123456","cursor":{"line":1,"ch":0}}`)

	s, _ := f.store.Get("room1")
	snap, _ := s.Snapshot()
	if len(snap.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(snap.Participants))
	}
	restored := snap.Participants[1]
	if restored.Name != "User ghost" || restored.Color != "#123456" {
		t.Errorf("restored participant = %+v", restored)
	}
	if got := lastEnvelope(t, alice); got["type"] != "cursor-update" {
		t.Errorf("alice received %v", got)
	}
}

func TestRouter_ChatEchoesWithRosterName(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	alice.reset()
	bob.reset()

	f.send(alice, `{"type":"chat-message","userName":"Impostor","message":"hello"}`)

	for _, c := range []*fakeConn{alice, bob} {
		got := lastEnvelope(t, c)
		msg := got["message"].(map[string]any)
		if got["type"] != "chat-message" || msg["message"] != "hello" || msg["userName"] != "Alice" {
			t.Errorf("%s received %v", c.id, got)
		}
		if msg["id"] == "" || msg["timestamp"] != float64(1700000000000) {
			t.Errorf("%s message metadata = %v", c.id, msg)
		}
	}

	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	joined := lastEnvelope(t, bob)
	if history := joined["chatMessages"].([]any); len(history) != 1 {
		t.Errorf("chat history = %v, want 1 entry", history)
	}
}

func TestRouter_NameChange(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	alice.reset()
	bob.reset()

	f.send(alice, `{"type":"name-change","newName":"Alicia"}`)

	if len(alice.frames) != 0 {
		t.Errorf("sender received %v", alice.kinds(t))
	}
	if got := lastEnvelope(t, bob); got["type"] != "user-update" || got["newName"] != "Alicia" {
		t.Errorf("bob received %v", got)
	}
}

func TestRouter_NameChangeUnknownParticipant(t *testing.T) {
	f := newRouterFixture()
	alice, stray := f.connect("alice"), f.connect("stray")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)

	f.send(stray, `{"type":"name-change","sessionId":"room1","userId":"u-nobody","newName":"X"}`)

	if got := lastEnvelope(t, stray); got["type"] != "error" || got["message"] != msgUserNotFound {
		t.Errorf("reply = %v", got)
	}
	if b, ok := f.registry.BindingOf(stray); ok {
		t.Errorf("rejected rename left binding %+v", b)
	}
}

func TestRouter_EnvelopeForUnknownUserIsRejected(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"code change", `{"type":"code-change","sessionId":"room1","userId":"u-ghost","code":"overwrite"}`},
		{"chat", `{"type":"chat-message","sessionId":"room1","userId":"u-ghost","message":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture()
			alice, ghost := f.connect("alice"), f.connect("ghost")
			f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","initialCode":"mine"}`)
			alice.reset()

			f.send(ghost, tt.data)

			if got := lastEnvelope(t, ghost); got["type"] != "error" || got["message"] != msgUserNotFound {
				t.Errorf("reply = %v", got)
			}
			if b, ok := f.registry.BindingOf(ghost); ok {
				t.Errorf("ghost adopted binding %+v", b)
			}
			if len(alice.frames) != 0 {
				t.Errorf("alice received %v", alice.kinds(t))
			}
			s, _ := f.store.Get("room1")
			snap, _ := s.Snapshot()
			if snap.Document != "mine" || len(snap.ChatLog) != 0 || len(snap.Participants) != 1 {
				t.Errorf("session mutated: %+v", snap)
			}
		})
	}
}

func TestRouter_EvictionClearsBindings(t *testing.T) {
	f := newRouterFixture()
	alice, ghost := f.connect("alice"), f.connect("ghost")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(ghost, `{"type":"code-change","sessionId":"room1","userId":"u-ghost","code":"x"}`)

	// A binding that outlived its participant must not survive the session.
	f.registry.Bind(ghost, "room1", "u-ghost")
	f.router.Disconnect(context.Background(), alice)

	if _, err := f.store.Get("room1"); err == nil {
		t.Fatal("session survived its last participant")
	}
	if b, ok := f.registry.BindingOf(ghost); ok {
		t.Fatalf("ghost still bound after eviction: %+v", b)
	}

	ghost.reset()
	carol, dave := f.connect("carol"), f.connect("dave")
	f.send(carol, `{"type":"join","sessionId":"room1","userId":"u-carol"}`)
	f.send(dave, `{"type":"join","sessionId":"room1","userId":"u-dave"}`)
	f.send(carol, `{"type":"code-change","code":"carol secret"}`)
	f.send(carol, `{"type":"chat-message","message":"private"}`)

	if len(ghost.frames) != 0 {
		t.Errorf("ghost received traffic from the new session: %v", ghost.kinds(t))
	}
	if got := dave.kinds(t); len(got) != 3 || got[1] != "code-update" || got[2] != "chat-message" {
		t.Errorf("dave received %v", got)
	}
}

func TestRouter_InputPosition(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice","userName":"Alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob","userName":"Bob"}`)
	bob.reset()

	f.send(alice, `{"type":"input-position","position":{"line":9,"ch":1}}`)

	got := lastEnvelope(t, bob)
	if got["type"] != "last-input" || got["userName"] != "Alice" {
		t.Errorf("bob received %v", got)
	}

	stray := f.connect("stray")
	f.send(stray, `{"type":"input-position","position":{"line":0,"ch":0}}`)
	if len(stray.frames) != 0 {
		t.Errorf("unresolved input position produced %v", stray.kinds(t))
	}
}

func TestRouter_DisconnectAnnouncesAndEvicts(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob"}`)
	bob.reset()

	f.router.Disconnect(context.Background(), alice)

	if got := lastEnvelope(t, bob); got["type"] != "user-left" || got["userId"] != "u-alice" {
		t.Errorf("bob received %v", got)
	}
	if _, err := f.store.Get("room1"); err != nil {
		t.Fatal("session evicted while bob remains")
	}

	f.router.Disconnect(context.Background(), bob)

	if _, err := f.store.Get("room1"); err == nil {
		t.Error("session survived its last participant")
	}
	types := f.publisher.types()
	if types[len(types)-1] != events.SessionEvicted {
		t.Errorf("last event = %s, want session-evicted", types[len(types)-1])
	}

	carol := f.connect("carol")
	f.send(carol, `{"type":"join","sessionId":"room1","userId":"u-carol","initialCode":"fresh"}`)
	joined := lastEnvelope(t, carol)
	if joined["code"] != "fresh" || len(joined["chatMessages"].([]any)) != 0 {
		t.Errorf("rejoined session kept old state: %v", joined)
	}
}

func TestRouter_DisconnectKeepsUserWithAnotherConnection(t *testing.T) {
	f := newRouterFixture()
	tab1, tab2, bob := f.connect("tab1"), f.connect("tab2"), f.connect("bob")
	f.send(tab1, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(tab2, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob"}`)
	bob.reset()

	f.router.Disconnect(context.Background(), tab1)

	if len(bob.frames) != 0 {
		t.Errorf("bob received %v while alice still has a tab open", bob.kinds(t))
	}
	s, _ := f.store.Get("room1")
	info, _ := s.Info()
	if info.UserCount != 2 {
		t.Errorf("user count = %d, want 2", info.UserCount)
	}
}

func TestRouter_RejoinElsewhereLeavesOldSession(t *testing.T) {
	f := newRouterFixture()
	alice, bob := f.connect("alice"), f.connect("bob")
	f.send(alice, `{"type":"join","sessionId":"room1","userId":"u-alice"}`)
	f.send(bob, `{"type":"join","sessionId":"room1","userId":"u-bob"}`)
	bob.reset()

	f.send(alice, `{"type":"join","sessionId":"room2","userId":"u-alice"}`)

	if got := lastEnvelope(t, bob); got["type"] != "user-left" || got["userId"] != "u-alice" {
		t.Errorf("bob received %v", got)
	}
	if b, _ := f.registry.BindingOf(alice); b.SessionID != "room2" {
		t.Errorf("binding = %+v, want room2", b)
	}
}

func TestRouter_DisconnectUnbound(t *testing.T) {
	f := newRouterFixture()
	c := f.connect("c")

	f.router.Disconnect(context.Background(), c)

	if f.registry.Len() != 0 {
		t.Error("connection still registered")
	}
}

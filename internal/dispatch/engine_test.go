package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jsaurav7/ChatApp/internal/protocol"
	"github.com/jsaurav7/ChatApp/internal/registry"
	"github.com/jsaurav7/ChatApp/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeConn records every event written to it, decoded from JSON.
type fakeConn struct {
	id     string
	userID int64

	mu         sync.Mutex
	events     []map[string]interface{}
	failWrites bool
}

func newFakeConn(id string, userID int64) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write on closed connection")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.events = append(c.events, m)
	return nil
}

func (c *fakeConn) eventsOfType(msgType string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range c.events {
		if e["type"] == msgType {
			out = append(out, e)
		}
	}
	return out
}

// memStore is an in-memory MessageStore with the same ordering and
// monotone-delivered semantics as the Postgres implementation.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	msgs       map[int64]*store.Message
	base       time.Time
	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{
		msgs: make(map[int64]*store.Message),
		base: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) Append(ctx context.Context, senderID, receiverID int64, content string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return store.Message{}, fmt.Errorf("%w: connection refused", store.ErrPersistence)
	}
	s.nextID++
	m := store.Message{
		ID:         s.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.base.Add(time.Duration(s.nextID) * time.Second),
	}
	s.msgs[m.ID] = &m
	return m, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[id]; ok {
		m.Delivered = true
	}
	return nil
}

func (s *memStore) MarkConversationDelivered(ctx context.Context, receiverID, senderID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.msgs {
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.Delivered {
			m.Delivered = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) History(ctx context.Context, userA, userB int64) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.msgs {
		if (m.SenderID == userA && m.ReceiverID == userB) ||
			(m.SenderID == userB && m.ReceiverID == userA) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) get(id int64) store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// fakePresence serves fixed last-seen values.
type fakePresence struct {
	lastSeen map[int64]time.Time
	online   map[int64]bool
}

func (p *fakePresence) LastSeen(ctx context.Context, userID int64) (time.Time, error) {
	return p.lastSeen[userID], nil
}

func (p *fakePresence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return p.online[userID], nil
}

func newTestEngine() (*Engine, *memStore, *registry.Registry) {
	st := newMemStore()
	reg := registry.New()
	eng := NewEngine(st, reg, &fakePresence{
		lastSeen: make(map[int64]time.Time),
		online:   make(map[int64]bool),
	}, nil, nil)
	return eng, st, reg
}

const (
	alice int64 = 1
	bob   int64 = 2
)

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_OnlineDelivery(t *testing.T) {
	eng, st, reg := newTestEngine()
	ctx := context.Background()

	aConn := newFakeConn("a1", alice)
	bConn := newFakeConn("b1", bob)
	reg.Register(aConn)
	reg.Register(bConn)

	if err := eng.Send(ctx, aConn, bob, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	// B receives the message as "other", delivered.
	got := bConn.eventsOfType(protocol.TypeMessageDelivered)
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery to B, got %d", len(got))
	}
	if got[0]["text"] != "hi" || got[0]["sender"] != protocol.SenderOther || got[0]["delivered"] != true {
		t.Errorf("unexpected delivery event: %v", got[0])
	}

	// A receives the ack as "me", delivered.
	ack := aConn.eventsOfType(protocol.TypeMessageDelivered)
	if len(ack) != 1 {
		t.Fatalf("expected 1 ack to A, got %d", len(ack))
	}
	if ack[0]["sender"] != protocol.SenderMe || ack[0]["delivered"] != true {
		t.Errorf("unexpected ack event: %v", ack[0])
	}

	// Stored flag flipped.
	if m := st.get(1); !m.Delivered {
		t.Error("stored message should be delivered")
	}
}

func TestSend_OfflineReceiver(t *testing.T) {
	eng, st, reg := newTestEngine()
	ctx := context.Background()

	aConn := newFakeConn("a1", alice)
	reg.Register(aConn)

	if err := eng.Send(ctx, aConn, bob, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	ack := aConn.eventsOfType(protocol.TypeMessageDelivered)
	if len(ack) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(ack))
	}
	if ack[0]["delivered"] != false {
		t.Errorf("expected delivered=false ack for offline receiver, got %v", ack[0])
	}
	if m := st.get(1); m.Delivered {
		t.Error("stored message must stay undelivered while receiver is offline")
	}
}

func TestSend_InvalidRequests(t *testing.T) {
	cases := []struct {
		name     string
		receiver int64
		content  string
	}{
		{name: "missing receiver", receiver: 0, content: "x"},
		{name: "self send", receiver: alice, content: "x"},
		{name: "empty content", receiver: bob, content: ""},
		{name: "oversized content", receiver: bob, content: string(make([]byte, MaxContentBytes+1))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, st, reg := newTestEngine()
			aConn := newFakeConn("a1", alice)
			reg.Register(aConn)

			err := eng.Send(context.Background(), aConn, tc.receiver, tc.content)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if st.count() != 0 {
				t.Error("invalid send must not persist anything")
			}
			if len(aConn.eventsOfType(protocol.TypeMessageDelivered)) != 0 {
				t.Error("invalid send must not produce a delivery event")
			}
			errs := aConn.eventsOfType(protocol.TypeError)
			if len(errs) != 1 || errs[0]["code"] != protocol.CodeInvalidRequest {
				t.Errorf("expected one invalid_request error event, got %v", errs)
			}
		})
	}
}

func TestSend_PersistenceFailure(t *testing.T) {
	eng, st, reg := newTestEngine()
	st.failAppend = true

	aConn := newFakeConn("a1", alice)
	bConn := newFakeConn("b1", bob)
	reg.Register(aConn)
	reg.Register(bConn)

	err := eng.Send(context.Background(), aConn, bob, "hi")
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	// No fan-out happened; the sender alone got the error signal.
	if len(bConn.events) != 0 {
		t.Error("receiver must see nothing when persistence fails")
	}
	errs := aConn.eventsOfType(protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != protocol.CodePersistenceFailed {
		t.Errorf("expected one persistence_failed error event, got %v", errs)
	}
}

func TestSend_MultiDevice(t *testing.T) {
	eng, _, reg := newTestEngine()

	aConn := newFakeConn("a1", alice)
	bPhone := newFakeConn("b-phone", bob)
	bLaptop := newFakeConn("b-laptop", bob)
	reg.Register(aConn)
	reg.Register(bPhone)
	reg.Register(bLaptop)

	if err := eng.Send(context.Background(), aConn, bob, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	for _, c := range []*fakeConn{bPhone, bLaptop} {
		got := c.eventsOfType(protocol.TypeMessageDelivered)
		if len(got) != 1 {
			t.Errorf("device %s: expected exactly 1 event, got %d", c.id, len(got))
		}
	}
}

func TestSend_MultiDeviceOrdering(t *testing.T) {
	eng, _, reg := newTestEngine()

	aConn := newFakeConn("a1", alice)
	bPhone := newFakeConn("b-phone", bob)
	bLaptop := newFakeConn("b-laptop", bob)
	reg.Register(aConn)
	reg.Register(bPhone)
	reg.Register(bLaptop)

	texts := []string{"one", "two", "three"}
	for _, text := range texts {
		if err := eng.Send(context.Background(), aConn, bob, text); err != nil {
			t.Fatalf("Send(%q) error: %v", text, err)
		}
	}

	// Each device sees all messages in dispatch order.
	for _, c := range []*fakeConn{bPhone, bLaptop} {
		got := c.eventsOfType(protocol.TypeMessageDelivered)
		if len(got) != len(texts) {
			t.Fatalf("device %s: expected %d events, got %d", c.id, len(texts), len(got))
		}
		for i, e := range got {
			if e["text"] != texts[i] {
				t.Errorf("device %s position %d: expected %q, got %v", c.id, i, texts[i], e["text"])
			}
		}
	}
}

func TestSend_PartialFanoutFailure(t *testing.T) {
	eng, st, reg := newTestEngine()

	aConn := newFakeConn("a1", alice)
	bDead := newFakeConn("b-dead", bob)
	bDead.failWrites = true
	bLive := newFakeConn("b-live", bob)
	reg.Register(aConn)
	reg.Register(bDead)
	reg.Register(bLive)

	if err := eng.Send(context.Background(), aConn, bob, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	// The healthy device received the message despite the dead one.
	if got := bLive.eventsOfType(protocol.TypeMessageDelivered); len(got) != 1 {
		t.Errorf("live device should receive the message, got %d events", len(got))
	}
	// Delivery counted: at least one live connection was reached.
	ack := aConn.eventsOfType(protocol.TypeMessageDelivered)
	if len(ack) != 1 || ack[0]["delivered"] != true {
		t.Errorf("expected delivered=true ack, got %v", ack)
	}
	if m := st.get(1); !m.Delivered {
		t.Error("stored message should be delivered via the healthy device")
	}
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplay_OfflineDeliveryScenario(t *testing.T) {
	eng, st, reg := newTestEngine()
	ctx := context.Background()

	// A sends while B is offline.
	aConn := newFakeConn("a1", alice)
	reg.Register(aConn)
	if err := eng.Send(ctx, aConn, bob, "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if m := st.get(1); m.Delivered {
		t.Fatal("precondition: message should be undelivered")
	}

	// B connects later and requests history with A.
	bConn := newFakeConn("b1", bob)
	reg.Register(bConn)
	if err := eng.Replay(ctx, bConn, alice); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	got := bConn.eventsOfType(protocol.TypeMessageDelivered)
	if len(got) != 1 {
		t.Fatalf("expected 1 replayed message, got %d", len(got))
	}
	if got[0]["text"] != "hi" || got[0]["sender"] != protocol.SenderOther || got[0]["delivered"] != true {
		t.Errorf("unexpected replay event: %v", got[0])
	}
	if m := st.get(1); !m.Delivered {
		t.Error("replay must flip the stored delivered flag")
	}
}

func TestReplay_OrderStableAndIdempotent(t *testing.T) {
	eng, _, reg := newTestEngine()
	ctx := context.Background()

	aConn := newFakeConn("a1", alice)
	bConn := newFakeConn("b1", bob)
	reg.Register(aConn)
	reg.Register(bConn)

	for _, text := range []string{"one", "two", "three"} {
		if err := eng.Send(ctx, aConn, bob, text); err != nil {
			t.Fatalf("Send(%q) error: %v", text, err)
		}
	}
	if err := eng.Send(ctx, bConn, alice, "four"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	run := func() []map[string]interface{} {
		c := newFakeConn("b-replay", bob)
		reg.Register(c)
		defer reg.Unregister(c)
		if err := eng.Replay(ctx, c, alice); err != nil {
			t.Fatalf("Replay() error: %v", err)
		}
		return c.eventsOfType(protocol.TypeMessageDelivered)
	}

	first := run()
	second := run()

	if len(first) != 4 {
		t.Fatalf("expected 4 replayed messages, got %d", len(first))
	}
	if len(second) != len(first) {
		t.Fatalf("repeat replay length differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i]["id"] != second[i]["id"] {
			t.Errorf("replay order differs at position %d: %v vs %v", i, first[i]["id"], second[i]["id"])
		}
		if first[i]["delivered"] != second[i]["delivered"] {
			t.Errorf("replay delivered flag differs at position %d", i)
		}
	}

	// Sender-authored message carries "me" with its stored flag.
	last := first[len(first)-1]
	if last["text"] != "four" || last["sender"] != protocol.SenderMe {
		t.Errorf("unexpected final replay event: %v", last)
	}
}

func TestReplay_EmptyHistory(t *testing.T) {
	eng, _, reg := newTestEngine()

	bConn := newFakeConn("b1", bob)
	reg.Register(bConn)

	if err := eng.Replay(context.Background(), bConn, alice); err != nil {
		t.Fatalf("Replay() on empty history error: %v", err)
	}
	if len(bConn.events) != 0 {
		t.Errorf("expected no events for empty history, got %d", len(bConn.events))
	}
}

func TestReplay_InvalidPeer(t *testing.T) {
	eng, _, reg := newTestEngine()
	bConn := newFakeConn("b1", bob)
	reg.Register(bConn)

	if err := eng.Replay(context.Background(), bConn, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Presence query
// ---------------------------------------------------------------------------

func TestQueryPresence(t *testing.T) {
	st := newMemStore()
	reg := registry.New()
	lastSeen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	eng := NewEngine(st, reg, &fakePresence{
		lastSeen: map[int64]time.Time{bob: lastSeen},
		online:   map[int64]bool{bob: true},
	}, nil, nil)

	aConn := newFakeConn("a1", alice)
	reg.Register(aConn)

	if err := eng.QueryPresence(context.Background(), aConn, bob); err != nil {
		t.Fatalf("QueryPresence() error: %v", err)
	}

	got := aConn.eventsOfType(protocol.TypePresenceInfo)
	if len(got) != 1 {
		t.Fatalf("expected 1 presence_info event, got %d", len(got))
	}
	if got[0]["online"] != true {
		t.Errorf("expected online=true, got %v", got[0])
	}
	if got[0]["last_seen"] != "2025-06-01T12:00:00Z" {
		t.Errorf("unexpected last_seen: %v", got[0]["last_seen"])
	}
	if got[0]["user_id"] != float64(bob) {
		t.Errorf("unexpected user_id: %v", got[0]["user_id"])
	}
}

func TestQueryPresence_NeverSeen(t *testing.T) {
	st := newMemStore()
	reg := registry.New()
	eng := NewEngine(st, reg, &fakePresence{
		lastSeen: make(map[int64]time.Time),
		online:   make(map[int64]bool),
	}, nil, nil)

	aConn := newFakeConn("a1", alice)
	reg.Register(aConn)

	if err := eng.QueryPresence(context.Background(), aConn, bob); err != nil {
		t.Fatalf("QueryPresence() error: %v", err)
	}
	got := aConn.eventsOfType(protocol.TypePresenceInfo)
	if len(got) != 1 {
		t.Fatalf("expected 1 presence_info event, got %d", len(got))
	}
	if got[0]["online"] != false {
		t.Errorf("expected online=false, got %v", got[0])
	}
	if got[0]["last_seen"] != "" {
		t.Errorf("expected empty last_seen for never-seen user, got %v", got[0]["last_seen"])
	}
}

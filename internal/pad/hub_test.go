package pad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lepko/internal/keyval"
)

func newTestHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	hub, err := NewHub(cfg)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return hub
}

func TestFirstJoinSetsPassword(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	first, status, err := hub.Join(ctx, "alpha", "secret")
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if status != StatusPasswordSet {
		t.Fatalf("first join status = %q, want %q", status, StatusPasswordSet)
	}

	second, status, err := hub.Join(ctx, "alpha", "secret")
	if err != nil {
		t.Fatalf("matching join: %v", err)
	}
	if status != StatusAccessGranted {
		t.Fatalf("matching join status = %q, want %q", status, StatusAccessGranted)
	}

	if _, _, err := hub.Join(ctx, "alpha", "wrong"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("mismatched join error = %v, want ErrAccessDenied", err)
	}

	hub.Leave(first)
	hub.Leave(second)
}

func TestPasswordRaceHasOneWinner(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	const contenders = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		setWins  int
		granted  int
		denied   int
		members  []*Member
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			member, status, err := hub.Join(ctx, "race", fmt.Sprintf("password-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAccessDenied):
				denied++
			case err != nil:
				t.Errorf("join: %v", err)
			case status == StatusPasswordSet:
				setWins++
				members = append(members, member)
			case status == StatusAccessGranted:
				granted++
				members = append(members, member)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if setWins != 1 {
		t.Fatalf("password_set winners = %d, want exactly 1", setWins)
	}
	// Every distinct password is wrong once the winner's gate is up.
	if granted != 0 {
		t.Fatalf("access_granted = %d, want 0 for distinct passwords", granted)
	}
	if denied != contenders-1 {
		t.Fatalf("denied = %d, want %d", denied, contenders-1)
	}
	for _, member := range members {
		hub.Leave(member)
	}
}

func TestRoomAmnesia(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	member, _, err := hub.Join(ctx, "ephemeral", "first-password")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if hub.RoomCount() != 1 {
		t.Fatalf("RoomCount = %d, want 1", hub.RoomCount())
	}
	hub.Leave(member)
	if hub.RoomCount() != 0 {
		t.Fatalf("RoomCount after last leave = %d, want 0", hub.RoomCount())
	}

	// A fresh occupant starts a new epoch with a brand new password.
	again, status, err := hub.Join(ctx, "ephemeral", "different-password")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if status != StatusPasswordSet {
		t.Fatalf("rejoin status = %q, want %q", status, StatusPasswordSet)
	}
	hub.Leave(again)
}

func TestLeaveIsIdempotent(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	member, _, err := hub.Join(context.Background(), "alpha", "pw")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	hub.Leave(member)
	hub.Leave(member)
	hub.Leave(nil)
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	sender, _, err := hub.Join(ctx, "alpha", "pw")
	if err != nil {
		t.Fatalf("join sender: %v", err)
	}
	receiver, _, err := hub.Join(ctx, "alpha", "pw")
	if err != nil {
		t.Fatalf("join receiver: %v", err)
	}
	bystander, _, err := hub.Join(ctx, "beta", "pw")
	if err != nil {
		t.Fatalf("join bystander: %v", err)
	}

	hub.Broadcast(sender, []byte("one"))
	hub.Broadcast(sender, []byte("two"))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-receiver.Out():
			if string(got) != want {
				t.Fatalf("receiver got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("receiver never got %q", want)
		}
	}
	select {
	case got := <-sender.Out():
		t.Fatalf("sender received its own message %q", got)
	default:
	}
	select {
	case got := <-bystander.Out():
		t.Fatalf("other room received %q", got)
	default:
	}

	hub.Leave(sender)
	hub.Leave(receiver)
	hub.Leave(bystander)
}

func TestSlowMemberIsDisconnected(t *testing.T) {
	hub := newTestHub(t, HubConfig{SendBuffer: 1})
	ctx := context.Background()

	sender, _, err := hub.Join(ctx, "alpha", "pw")
	if err != nil {
		t.Fatalf("join sender: %v", err)
	}
	slow, _, err := hub.Join(ctx, "alpha", "pw")
	if err != nil {
		t.Fatalf("join slow: %v", err)
	}

	hub.Broadcast(sender, []byte("fills the queue"))
	hub.Broadcast(sender, []byte("overflows it"))

	if _, ok := <-slow.Out(); !ok {
		t.Fatal("expected the queued message before close")
	}
	if _, ok := <-slow.Out(); ok {
		t.Fatal("expected the slow member's queue to be closed")
	}
	if got := hub.MemberCount("alpha"); got != 1 {
		t.Fatalf("MemberCount = %d, want 1", got)
	}
	hub.Leave(sender)
}

func TestMarkerModeGatesUnregisteredRooms(t *testing.T) {
	markers := keyval.NewMemoryStore()
	hub := newTestHub(t, HubConfig{Markers: markers, RequireMarker: true})
	ctx := context.Background()

	if _, _, err := hub.Join(ctx, "unregistered", "pw"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("join unregistered room error = %v, want ErrAccessDenied", err)
	}

	id, err := hub.RegisterRoom(ctx, "")
	if err != nil {
		t.Fatalf("RegisterRoom: %v", err)
	}
	if id == "" {
		t.Fatal("RegisterRoom returned an empty id")
	}
	member, status, err := hub.Join(ctx, id, "pw")
	if err != nil {
		t.Fatalf("join registered room: %v", err)
	}
	if status != StatusPasswordSet {
		t.Fatalf("status = %q, want %q", status, StatusPasswordSet)
	}
	hub.Leave(member)
}

func TestMarkerModeRequiresStore(t *testing.T) {
	if _, err := NewHub(HubConfig{RequireMarker: true}); err == nil {
		t.Fatal("expected an error when marker mode has no store")
	}
}

func TestEmptyPasswordGatesRoom(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	first, status, err := hub.Join(ctx, "open", "")
	if err != nil {
		t.Fatalf("join with empty password: %v", err)
	}
	if status != StatusPasswordSet {
		t.Fatalf("status = %q, want %q", status, StatusPasswordSet)
	}
	second, status, err := hub.Join(ctx, "open", "")
	if err != nil {
		t.Fatalf("second empty join: %v", err)
	}
	if status != StatusAccessGranted {
		t.Fatalf("status = %q, want %q", status, StatusAccessGranted)
	}
	if _, _, err := hub.Join(ctx, "open", "anything"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-empty password error = %v, want ErrAccessDenied", err)
	}
	hub.Leave(first)
	hub.Leave(second)
}

func TestPasswordsCompareAfterNormalization(t *testing.T) {
	hub := newTestHub(t, HubConfig{})
	ctx := context.Background()

	// "café" spelled with a combining acute accent versus the precomposed rune.
	first, _, err := hub.Join(ctx, "nfc", "café")
	if err != nil {
		t.Fatalf("join decomposed: %v", err)
	}
	second, status, err := hub.Join(ctx, "nfc", "café")
	if err != nil {
		t.Fatalf("join precomposed: %v", err)
	}
	if status != StatusAccessGranted {
		t.Fatalf("status = %q, want %q", status, StatusAccessGranted)
	}
	hub.Leave(first)
	hub.Leave(second)
}

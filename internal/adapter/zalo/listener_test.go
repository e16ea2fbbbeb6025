package zalo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	pages    []EventPage
	cursors  []string
	users    map[string]User
	friends  []string
	requests []string
	pollErr  error
}

func (f *fakeSource) Events(ctx context.Context, cursor string) (EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return EventPage{}, ctx.Err()
	}
	f.cursors = append(f.cursors, cursor)
	if f.pollErr != nil {
		return EventPage{}, f.pollErr
	}
	if len(f.pages) == 0 {
		return EventPage{}, nil
	}
	p := f.pages[0]
	f.pages = f.pages[1:]
	return p, nil
}

func (f *fakeSource) UserInfo(_ context.Context, uid string) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uid]
	if !ok {
		return User{}, errors.New("no such user")
	}
	return u, nil
}

func (f *fakeSource) Friends(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.friends, nil
}

func (f *fakeSource) SendFriendRequest(_ context.Context, uid, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, uid+":"+msg)
	return nil
}

func (f *fakeSource) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func boolp(b bool) *bool { return &b }

func TestListener_FriendRequestsForStrangers(t *testing.T) {
	src := &fakeSource{
		pages: []EventPage{{
			Cursor: "c1",
			Events: []Event{
				{Type: "message", AuthorID: "friend", ThreadType: ThreadUser, Text: "hi"},
				{Type: "message", AuthorID: "stranger", ThreadType: ThreadUser, Text: "hello"},
				{Type: "message", AuthorID: "listed", ThreadType: ThreadGroup, Text: "yo"},
				{Type: "message", AuthorID: "unlisted", ThreadType: "other", Text: "hey"},
				{Type: "reaction", AuthorID: "stranger"},
				{Type: "message", AuthorID: "stranger"}, // no text
			},
		}},
		users: map[string]User{
			"friend":   {UID: "friend", IsFriend: boolp(true)},
			"stranger": {UID: "stranger", IsFriend: boolp(false)},
			"listed":   {UID: "listed"},
			"unlisted": {UID: "unlisted"},
		},
		friends: []string{"listed"},
	}
	l := NewListener(src, "welcome", 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(src.Requests()) == 2 }, time.Second, 5*time.Millisecond)
	// wait for a follow-up poll carrying the cursor
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.cursors) >= 2 && src.cursors[len(src.cursors)-1] == "c1"
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"stranger:welcome", "unlisted:welcome"}, src.Requests())
}

func TestListener_PollErrorsRetried(t *testing.T) {
	src := &fakeSource{pollErr: errors.New("gateway down")}
	l := NewListener(src, "hi", time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.cursors) >= 3
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

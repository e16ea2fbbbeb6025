package zalo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type gateway struct {
	t       *testing.T
	lookups atomic.Int32
	mu      sync.Mutex
	sent    []map[string]string
	failOn  string
}

func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/users/lookup", func(w http.ResponseWriter, r *http.Request) {
		g.lookups.Add(1)
		assert.Equal(g.t, "Bearer tok", r.Header.Get("Authorization"))
		var in map[string]string
		assert.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		if in["phone"] == "0000" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(User{UID: "uid-" + in["phone"]})
	})
	mux.HandleFunc("POST /v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if g.failOn == "send" {
			http.Error(w, "bot offline", http.StatusBadGateway)
			return
		}
		var in map[string]string
		assert.NoError(g.t, json.NewDecoder(r.Body).Decode(&in))
		g.mu.Lock()
		g.sent = append(g.sent, in)
		g.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newGateway(t *testing.T) (*gateway, *Client) {
	g := &gateway{t: t}
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	return g, NewClient(srv.URL+"/", "tok", time.Second, testLogger())
}

func TestClient_SendMessageResolvesAndCaches(t *testing.T) {
	g, c := newGateway(t)
	ctx := context.Background()

	require.NoError(t, c.NotifyExportReady(ctx, "0901", "ready"))
	require.NoError(t, c.SendMessage(ctx, "0901", "again"))

	assert.Equal(t, int32(1), g.lookups.Load())
	g.mu.Lock()
	defer g.mu.Unlock()
	require.Len(t, g.sent, 2)
	assert.Equal(t, map[string]string{"thread_id": "uid-0901", "thread_type": "user", "text": "ready"}, g.sent[0])
	assert.Equal(t, "again", g.sent[1]["text"])
}

func TestClient_UnknownPhone(t *testing.T) {
	_, c := newGateway(t)
	err := c.SendMessage(context.Background(), "0000", "hi")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestClient_GatewayError(t *testing.T) {
	g, c := newGateway(t)
	g.failOn = "send"
	err := c.SendMessage(context.Background(), "0901", "hi")

	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, http.StatusBadGateway, gerr.Status)
	assert.Equal(t, "bot offline", gerr.Body)
}

func TestClient_ConcurrentSends(t *testing.T) {
	g, c := newGateway(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.SendMessage(context.Background(), "0901", "hi"))
		}()
	}
	wg.Wait()
	g.mu.Lock()
	assert.Len(t, g.sent, 8)
	g.mu.Unlock()
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, "", 100*time.Millisecond, testLogger())
	assert.Error(t, c.SendMessage(context.Background(), "0901", "hi"))
}

func TestClient_FriendsAndEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/friends", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"friends":[{"uid":"a"},{"uid":"b"}]}`))
	})
	mux.HandleFunc("GET /v1/users/{uid}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"uid":"` + r.PathValue("uid") + `","display_name":"An","is_friend":true}`))
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"events":[{"id":"e1","type":"message","author_id":"a","thread_type":"group","text":"hi"}],"cursor":"c2"}`))
	})
	mux.HandleFunc("POST /v1/friend-requests", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(srv.URL, "", time.Second, testLogger())
	ctx := context.Background()

	ids, err := c.Friends(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	u, err := c.UserInfo(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UID)
	require.NotNil(t, u.IsFriend)
	assert.True(t, *u.IsFriend)

	page, err := c.Events(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.Cursor)
	require.Len(t, page.Events, 1)
	assert.Equal(t, ThreadGroup, page.Events[0].ThreadType)

	assert.NoError(t, c.SendFriendRequest(ctx, "u1", "hello"))
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *mapCache) GetUID(_ context.Context, phone string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.m[phone]
	return uid, ok, nil
}

func (m *mapCache) SetUID(_ context.Context, phone, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[phone] = uid
	return nil
}

func TestClient_SharedUIDCache(t *testing.T) {
	g := &gateway{t: t}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()
	shared := &mapCache{m: map[string]string{"0902": "uid-cached"}}
	c := NewClient(srv.URL, "tok", time.Second, testLogger(), WithUIDCache(shared))
	ctx := context.Background()

	uid, err := c.ResolveUser(ctx, "0902")
	require.NoError(t, err)
	assert.Equal(t, "uid-cached", uid)
	assert.Zero(t, g.lookups.Load())

	uid, err = c.ResolveUser(ctx, "0903")
	require.NoError(t, err)
	assert.Equal(t, "uid-0903", uid)
	assert.Equal(t, "uid-0903", shared.m["0903"])
}

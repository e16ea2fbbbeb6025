package zalo

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// EventSource is the part of the Client the listener needs.
type EventSource interface {
	Events(ctx context.Context, cursor string) (EventPage, error)
	UserInfo(ctx context.Context, uid string) (User, error)
	Friends(ctx context.Context) ([]string, error)
	SendFriendRequest(ctx context.Context, uid, message string) error
}

// Listener polls inbound events and asks unknown authors to connect.
type Listener struct {
	src      EventSource
	greeting string
	interval time.Duration
	log      *slog.Logger
}

func NewListener(src EventSource, greeting string, interval time.Duration, log *slog.Logger) *Listener {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{src: src, greeting: greeting, interval: interval, log: log.With("component", "zalo_listener")}
}

// Run blocks until ctx is done. Poll errors are logged and retried after the interval.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("starting listener")
	cursor := ""
	for {
		page, err := l.src.Events(ctx, cursor)
		switch {
		case ctx.Err() != nil:
			l.log.Info("listener stopped")
			return nil
		case err != nil:
			l.log.Error("poll events failed", "err", err)
		default:
			for _, ev := range page.Events {
				l.handle(ctx, ev)
			}
			if page.Cursor != "" {
				cursor = page.Cursor
			}
		}

		if len(page.Events) == 0 || err != nil {
			select {
			case <-ctx.Done():
				l.log.Info("listener stopped")
				return nil
			case <-time.After(l.interval):
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev Event) {
	if ev.Type != "message" || ev.Text == "" {
		return
	}
	switch ev.ThreadType {
	case ThreadUser:
		l.log.Info("received message from USER", "thread_id", ev.ThreadID)
	case ThreadGroup:
		l.log.Info("received message from GROUP", "thread_id", ev.ThreadID)
	default:
		l.log.Info("received message from UNKNOWN thread type", "thread_id", ev.ThreadID)
	}
	if ev.AuthorID == "" {
		return
	}

	friend, err := l.isFriend(ctx, ev.AuthorID)
	if err != nil {
		l.log.Warn("friendship lookup failed", "author_id", ev.AuthorID, "err", err)
		return
	}
	if friend {
		return
	}
	if err := l.src.SendFriendRequest(ctx, ev.AuthorID, l.greeting); err != nil {
		l.log.Warn("friend request failed", "author_id", ev.AuthorID, "err", err)
		return
	}
	l.log.Info("sent friend request", "author_id", ev.AuthorID)
}

func (l *Listener) isFriend(ctx context.Context, uid string) (bool, error) {
	u, err := l.src.UserInfo(ctx, uid)
	if err != nil {
		return false, err
	}
	l.log.Debug("author info", "uid", u.UID, "name", u.DisplayName)
	if u.IsFriend != nil {
		return *u.IsFriend, nil
	}
	friends, err := l.src.Friends(ctx)
	if err != nil {
		return false, fmt.Errorf("list friends: %w", err)
	}
	return slices.Contains(friends, uid), nil
}

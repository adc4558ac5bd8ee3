package cache

import (
	"context"
	"time"
)

// Entry is the last successful upstream response stored for a request key.
type Entry struct {
	Key       string    `json:"key"`
	FetchedAt time.Time `json:"fetchedAt"`
	Body      []byte    `json:"body"`
}

// EntryStore persists request cache entries. Entries are only overwritten by a
// successful refresh; stores never evict on their own except for the redis
// retention window.
type EntryStore interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{Key: in.Key, FetchedAt: in.FetchedAt}
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}

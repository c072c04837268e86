// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdio/internal/objstore/tid"
)

// WatchHandler is called for every notification sent to the watched object.
// The handler must acknowledge the notification with Client.NotifyAck(),
// otherwise the notifier waits until its timeout. Handlers run on their own
// go routine and may block.
type WatchHandler func(notifyID uint64, payload []byte)

type watchKey struct {
	pool int64
	oid  string
}

type watch struct {
	cookie  string
	key     watchKey
	handler WatchHandler
}

type pendingNotify struct {
	waiting map[string]struct{}
	done    chan struct{}
}

// watchHub delivers notifications to the watchers registered through the
// same client.
type watchHub struct {
	client *Client

	mutex    sync.Mutex
	watches  map[string]*watch
	notifies map[uint64]*pendingNotify
	ids      tid.Counter
}

func newWatchHub(c *Client) *watchHub {
	return &watchHub{
		client:   c,
		watches:  make(map[string]*watch),
		notifies: make(map[uint64]*pendingNotify),
	}
}

// Watch registers handler for notifications on the object. The object must
// exist. Returns cookie identifying the watch.
func (c *Client) Watch(ctx context.Context, pool int64, oid string, handler WatchHandler) (string, error) {
	if err := c.SubmitAndWait(ctx, NewRequest(pool, oid, StatOp())); err != nil {
		return "", fmt.Errorf("watch %s: %w", oid, err)
	}

	w := &watch{
		cookie:  uuid.NewString(),
		key:     watchKey{pool, oid},
		handler: handler,
	}

	h := c.watches
	h.mutex.Lock()
	h.watches[w.cookie] = w
	h.mutex.Unlock()

	log.Debug().Str("oid", oid).Str("cookie", w.cookie).Msg("Watch registered.")

	return w.cookie, nil
}

func (c *Client) Unwatch(cookie string) error {
	h := c.watches
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.watches[cookie]; !ok {
		return ErrNoSuchWatch
	}
	delete(h.watches, cookie)

	// Pending notifies must not wait for a watcher which is gone.
	for id := range h.notifies {
		h.ackLocked(id, cookie)
	}

	return nil
}

// Notify sends payload to all watchers of the object and waits until all of
// them acknowledge it. ErrTimedOut is returned when ctx expires first.
func (c *Client) Notify(ctx context.Context, pool int64, oid string, payload []byte) error {
	h := c.watches
	key := watchKey{pool, oid}

	h.mutex.Lock()
	id := h.ids.Next()
	pn := &pendingNotify{
		waiting: make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	var targets []*watch
	for _, w := range h.watches {
		if w.key == key {
			pn.waiting[w.cookie] = struct{}{}
			targets = append(targets, w)
		}
	}

	if len(targets) == 0 {
		h.mutex.Unlock()
		return nil
	}
	h.notifies[id] = pn
	h.mutex.Unlock()

	for _, w := range targets {
		go w.handler(id, payload)
	}

	select {
	case <-pn.done:
		return nil
	case <-ctx.Done():
		h.mutex.Lock()
		delete(h.notifies, id)
		h.mutex.Unlock()

		return fmt.Errorf("notify %d on %s: %w", id, oid, ErrTimedOut)
	}
}

// NotifyAck acknowledges notification notifyID on behalf of the watch
// identified by cookie.
func (c *Client) NotifyAck(notifyID uint64, cookie string) {
	h := c.watches
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.ackLocked(notifyID, cookie)
}

func (h *watchHub) ackLocked(notifyID uint64, cookie string) {
	pn, ok := h.notifies[notifyID]
	if !ok {
		return
	}

	delete(pn.waiting, cookie)
	if len(pn.waiting) == 0 {
		close(pn.done)
		delete(h.notifies, notifyID)
	}
}

func (h *watchHub) close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.watches = make(map[string]*watch)
	for id, pn := range h.notifies {
		close(pn.done)
		delete(h.notifies, id)
	}
}

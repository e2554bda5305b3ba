package planboard

import (
	"sync"

	"github.com/golang/glog"
)

// The watchers below translate dispatched realtime events into cache
// invalidation or local store mutation. Each registers its callbacks once at
// construction and removes every one of them in Close; create one watcher
// per logical subscription, not per render of whatever consumes it.

// projectScopedTypes are the event types carrying a project_id that a
// per-project watcher cares about.
var projectScopedTypes = []string{
	"project_updated",
	"milestone_changed",
	"team_member_changed",
	"comment_changed",
}

// ============================================================================
// ProjectWatcher
// ============================================================================

// ProjectWatcher subscribes to one project's update topic and invalidates
// the project's cached data (and the aggregate project list) whenever a
// relevant event arrives. Events for other projects are ignored; the server
// may push broadcast events regardless of subscription.
type ProjectWatcher struct {
	rc        *RealtimeClient
	inv       Invalidator
	projectID int64

	handler   EventHandler
	closeOnce sync.Once
}

// WatchProject creates a watcher for projectID and subscribes to its topic.
// The subscription is silently dropped when the connection is not open; the
// realtime client replays it after Connect in that case only if Subscribe is
// called again while open, so prefer watching after Connect has succeeded.
func WatchProject(rc *RealtimeClient, inv Invalidator, projectID int64) *ProjectWatcher {
	w := &ProjectWatcher{rc: rc, inv: inv, projectID: projectID}
	w.handler = w.handleEvent
	for _, t := range projectScopedTypes {
		rc.On(t, w.handler)
	}
	rc.Subscribe(projectID)
	return w
}

func (w *ProjectWatcher) handleEvent(ev Event) {
	payload, err := ev.ProjectEvent()
	if err != nil {
		glog.V(1).Infof("planboard: project watcher dropping %q: %v", ev.Type, err)
		return
	}
	if payload.ProjectID != w.projectID {
		return
	}

	keys := []string{ProjectKey(w.projectID), ProjectListKey}
	switch ev.Type {
	case "milestone_changed":
		keys = append(keys, MilestonesKey(w.projectID))
	case "comment_changed":
		keys = append(keys, CommentsKey(w.projectID))
	}
	w.inv.Invalidate(keys...)
}

// Close deregisters every event callback and unsubscribes from the topic.
// Safe to call more than once.
func (w *ProjectWatcher) Close() {
	w.closeOnce.Do(func() {
		for _, t := range projectScopedTypes {
			w.rc.Off(t, w.handler)
		}
		w.rc.Unsubscribe(w.projectID)
	})
}

// ============================================================================
// ProjectListWatcher
// ============================================================================

// ProjectListWatcher invalidates the aggregate project list on broad update
// events. It subscribes to no specific topic: list-level events arrive on
// the shared stream regardless of per-project subscriptions.
type ProjectListWatcher struct {
	rc        *RealtimeClient
	inv       Invalidator
	handler   EventHandler
	closeOnce sync.Once
}

var listScopedTypes = []string{"project_updated", "bulk_update"}

// WatchProjectList creates a watcher for the project list.
func WatchProjectList(rc *RealtimeClient, inv Invalidator) *ProjectListWatcher {
	w := &ProjectListWatcher{rc: rc, inv: inv}
	w.handler = func(Event) { w.inv.Invalidate(ProjectListKey) }
	for _, t := range listScopedTypes {
		rc.On(t, w.handler)
	}
	return w
}

// Close deregisters the event callbacks. Safe to call more than once.
func (w *ProjectListWatcher) Close() {
	w.closeOnce.Do(func() {
		for _, t := range listScopedTypes {
			w.rc.Off(t, w.handler)
		}
	})
}

// ============================================================================
// NotificationFeed
// ============================================================================

// NotificationFeed accumulates notification_received events in a bounded
// local store, newest last. It is the store-mutation variant of the watcher
// pattern: instead of invalidating fetched data it maintains its own.
type NotificationFeed struct {
	rc      *RealtimeClient
	handler EventHandler

	mu    sync.Mutex
	items []NotificationPayload
	limit int

	closeOnce sync.Once
}

// NewNotificationFeed creates a feed keeping at most limit notifications
// (default 100 when limit <= 0).
func NewNotificationFeed(rc *RealtimeClient, limit int) *NotificationFeed {
	if limit <= 0 {
		limit = 100
	}
	f := &NotificationFeed{rc: rc, limit: limit}
	f.handler = f.handleEvent
	rc.On("notification_received", f.handler)
	return f
}

func (f *NotificationFeed) handleEvent(ev Event) {
	payload, err := ev.Notification()
	if err != nil {
		glog.V(1).Infof("planboard: notification feed dropping event: %v", err)
		return
	}
	f.mu.Lock()
	f.items = append(f.items, *payload)
	if len(f.items) > f.limit {
		f.items = f.items[len(f.items)-f.limit:]
	}
	f.mu.Unlock()
}

// Recent returns a copy of the accumulated notifications, oldest first.
func (f *NotificationFeed) Recent() []NotificationPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NotificationPayload, len(f.items))
	copy(out, f.items)
	return out
}

// Close deregisters the event callback. Safe to call more than once.
func (f *NotificationFeed) Close() {
	f.closeOnce.Do(func() {
		f.rc.Off("notification_received", f.handler)
	})
}

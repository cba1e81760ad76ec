package browser

import "context"

// TabAPI is the read side of the driver's tab surface.
type TabAPI interface {
	// Get returns the live state of a single tab.
	// Returns an error wrapping ErrNoSuchTab if the tab is gone.
	Get(ctx context.Context, id TabID) (TabInfo, error)

	// List returns every tab the driver knows about, in index order.
	List(ctx context.Context) ([]TabInfo, error)
}

// GroupAPI is the mutation surface for live tab groups. Every call is a
// suspension point: the browser may process arbitrary other events (including
// human mutations) before the call completes, and calls can be transiently
// rejected while the human is dragging a tab.
type GroupAPI interface {
	// Group places the given tabs into a group. With GroupOptions.GroupID set
	// to GroupNone a new group is created and its id returned; otherwise the
	// tabs are added to the existing group.
	// Returns an error wrapping ErrTabDragInProgress when the browser rejects
	// the call because the user is mid-drag.
	Group(ctx context.Context, tabs []TabID, opts GroupOptions) (GroupID, error)

	// Ungroup removes the given tabs from whatever groups they are in.
	Ungroup(ctx context.Context, tabs []TabID) error

	// GetGroup returns a live group's current appearance.
	// Returns an error wrapping ErrNoSuchGroup if the group no longer exists.
	GetGroup(ctx context.Context, id GroupID) (GroupInfo, error)

	// UpdateGroup applies title/color/collapsed changes to a live group.
	UpdateGroup(ctx context.Context, id GroupID, update GroupUpdate) error

	// TabsInGroup returns the tabs currently inside the group.
	TabsInGroup(ctx context.Context, id GroupID) ([]TabInfo, error)
}

// TabEventSource delivers raw, unfiltered per-tab lifecycle events.
// Listener registration is cheap but the callback stream is noisy; consumers
// should multiplex through a subscription bus rather than attach directly.
type TabEventSource interface {
	// AddTabListener registers a raw event callback and returns a function
	// that removes it. The callback may be invoked from a driver goroutine.
	AddTabListener(fn func(TabEvent)) (remove func())
}

// IndicatorNotifier is the best-effort notify port to a tab's visual surface.
// Delivery is fire-and-forget: the returned error exists to keep the failure
// visible in signatures and tests, and callers are allowed to ignore it.
type IndicatorNotifier interface {
	Notify(ctx context.Context, tab TabID, msg IndicatorMessage) error
}

// Driver is the full browser surface the engine is wired against.
type Driver interface {
	TabAPI
	GroupAPI
	TabEventSource
	IndicatorNotifier
}

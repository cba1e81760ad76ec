package browser

import (
	"errors"
	"strings"
)

// Sentinel errors classifying driver failures. The engine's retry behavior
// hangs off these classes: drag conflicts are retried with bounded backoff,
// missing tabs/groups are treated as permanent, and surface-not-ready is a
// best-effort signaling failure that is safe to ignore.
var (
	// ErrTabDragInProgress means the browser rejected a tab/group mutation
	// because the user is in the middle of dragging a tab.
	ErrTabDragInProgress = errors.New("tabs cannot be edited while the user is dragging a tab")

	// ErrTitleBeingEdited means the group's title is being edited by the
	// human and the update was rejected.
	ErrTitleBeingEdited = errors.New("group title is being edited")

	// ErrNoSuchTab means the referenced tab no longer exists.
	ErrNoSuchTab = errors.New("no such tab")

	// ErrNoSuchGroup means the referenced group no longer exists.
	ErrNoSuchGroup = errors.New("no such group")

	// ErrSurfaceNotReady means the tab's visual surface has not loaded yet
	// and an indicator message could not be delivered.
	ErrSurfaceNotReady = errors.New("tab surface not ready")
)

// IsTransient reports whether err is a conflict that is expected to clear on
// its own and is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTabDragInProgress) || errors.Is(err, ErrTitleBeingEdited) {
		return true
	}
	// Raw driver errors that crossed a wire boundary lose their sentinel
	// identity; fall back to matching the browser's message text.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "dragging a tab") ||
		strings.Contains(msg, "cannot be edited right now")
}

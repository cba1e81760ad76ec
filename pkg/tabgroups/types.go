package tabgroups

import (
	"time"

	"github.com/entrhq/tabwarden/pkg/browser"
)

// IndicatorState is the engine's internal visual state for one tab.
type IndicatorState string

const (
	// IndicatorNone shows nothing.
	IndicatorNone IndicatorState = "none"

	// IndicatorRunning is the pulsing "agent is working" marker, shown on
	// the anchor tab while it is actively driven.
	IndicatorRunning IndicatorState = "running"

	// IndicatorPassive is the static "agent is active in this group" marker
	// shown on secondary tabs.
	IndicatorPassive IndicatorState = "passive"

	// IndicatorSuppressed temporarily hides whatever was shown, e.g. while
	// a screenshot is taken. The pre-suppression state is kept for restore.
	IndicatorSuppressed IndicatorState = "suppressed"
)

// MemberState is the tracked state of one tab inside a session.
type MemberState struct {
	// Indicator is the tab's current internal indicator state.
	Indicator IndicatorState `json:"indicator"`

	// PreviousIndicator holds the state active immediately before a
	// suppression, so RestoreAfterToolUse can return to it.
	PreviousIndicator IndicatorState `json:"previous_indicator,omitempty"`

	// AutomationClient marks the session as driven by a remote automation
	// client; carried on every indicator message for this tab.
	AutomationClient bool `json:"automation_client,omitempty"`

	// PendingUpdate is set while an indicator change is queued but not yet
	// dispatched. Runtime-only.
	PendingUpdate bool `json:"-"`
}

// GroupMetadata is the durable description of one automation session,
// keyed by its anchor tab.
type GroupMetadata struct {
	// AnchorTabID is the session's identity; globally unique across the
	// registry.
	AnchorTabID browser.TabID `json:"anchor_tab_id"`

	// CreatedAt is when the session was first adopted into automation.
	CreatedAt time.Time `json:"created_at"`

	// Domain is the registrable domain the session started on, used for
	// the group's display title. Best-effort.
	Domain string `json:"domain,omitempty"`

	// LiveGroupID is a back-reference into the browser's live grouping id
	// space. It MAY be stale at any time: the browser recreates groups on
	// membership changes. Never treated as a permanent identity.
	LiveGroupID browser.GroupID `json:"live_group_id"`

	// Color is the group color the engine chose when styling the group.
	Color browser.GroupColor `json:"color,omitempty"`

	// Members maps each tracked tab to its state. Every key must
	// eventually correspond to a tab actually inside LiveGroupID;
	// transient violations during in-flight browser calls are tolerated,
	// permanent ones are repaired by the Reconciler.
	Members map[browser.TabID]*MemberState `json:"members"`

	// Unmanaged marks a group description synthesized on the fly for a
	// live group the registry has never seen. Such descriptions are not
	// tracked sessions and are never persisted.
	Unmanaged bool `json:"-"`
}

// clone returns a deep copy. Every metadata value the registry hands out is
// a clone, so readers never share the live record with the lock-guarded map.
func (m *GroupMetadata) clone() *GroupMetadata {
	out := *m
	out.Members = make(map[browser.TabID]*MemberState, len(m.Members))
	for id, state := range m.Members {
		copied := *state
		out.Members[id] = &copied
	}
	return &out
}

// memberIDs returns the member tab ids in ascending order.
func (m *GroupMetadata) memberIDs() []browser.TabID {
	ids := make([]browser.TabID, 0, len(m.Members))
	for id := range m.Members {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// pendingRegroup is the ephemeral record of an in-flight regroup retry
// sequence for one anchor. At most one exists per anchor.
type pendingRegroup struct {
	anchorTabID         browser.TabID
	originalLiveGroupID browser.GroupID
	indicator           IndicatorState
	snapshot            *GroupMetadata
	attempts            int
	timer               *time.Timer
}

// Fixed retry/delay parameters for the short, non-configurable ladders.
const (
	createGroupAttempts     = 3
	createGroupRetryDelay   = 250 * time.Millisecond
	showIndicatorAttempts   = 3
	showIndicatorRetryDelay = 250 * time.Millisecond
)

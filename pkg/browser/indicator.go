package browser

// IndicatorMessageKind is the wire name of a message sent to a tab's visual
// surface. Values match the content-side protocol and are stable.
type IndicatorMessageKind string

const (
	// ShowRunning displays the pulsing "agent is working" marker.
	ShowRunning IndicatorMessageKind = "SHOW_RUNNING"

	// HideRunning removes the running marker.
	HideRunning IndicatorMessageKind = "HIDE_RUNNING"

	// SuppressForToolUse temporarily hides any visible indicator so the
	// screen is free of overlays (e.g. while pixels are captured).
	SuppressForToolUse IndicatorMessageKind = "SUPPRESS_FOR_TOOL_USE"

	// RestoreAfterToolUse undoes a suppression without showing a new marker.
	RestoreAfterToolUse IndicatorMessageKind = "RESTORE_AFTER_TOOL_USE"

	// ShowPassive displays the static "agent is active in this group" marker
	// used on secondary tabs.
	ShowPassive IndicatorMessageKind = "SHOW_PASSIVE"

	// HidePassive removes the passive marker.
	HidePassive IndicatorMessageKind = "HIDE_PASSIVE"
)

// IndicatorMessage is one fire-and-forget message to a tab surface.
type IndicatorMessage struct {
	Kind IndicatorMessageKind `json:"kind"`

	// RemoteSession marks the session as driven by a remote automation
	// client, which the surface renders differently.
	RemoteSession bool `json:"remote_session,omitempty"`
}

package browser

// TabEventKind enumerates the raw tab lifecycle notifications.
type TabEventKind int

const (
	// TabURLChanged fires when a tab's main frame navigates.
	TabURLChanged TabEventKind = iota

	// TabStatusChanged fires when a tab's load status changes
	// ("loading" / "complete").
	TabStatusChanged

	// TabGroupChanged fires when a tab's group membership changes,
	// including moving to GroupNone.
	TabGroupChanged

	// TabTitleChanged fires when a tab's title changes.
	TabTitleChanged

	// TabActivated fires when a tab becomes the active tab.
	TabActivated

	// TabRemoved fires when a tab closes.
	TabRemoved
)

// String returns a short name for logging.
func (k TabEventKind) String() string {
	switch k {
	case TabURLChanged:
		return "url"
	case TabStatusChanged:
		return "status"
	case TabGroupChanged:
		return "group"
	case TabTitleChanged:
		return "title"
	case TabActivated:
		return "activated"
	case TabRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// TabEvent is a single raw notification about one tab. Only the fields
// relevant to the Kind are populated.
type TabEvent struct {
	Kind    TabEventKind
	TabID   TabID
	GroupID GroupID // new group for TabGroupChanged
	URL     string
	Title   string
	Status  string
}

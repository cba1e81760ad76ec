package browser

// TabID identifies a single browser tab for the lifetime of that tab.
type TabID int

// GroupID identifies a live tab group. Group ids are ephemeral: the browser
// may destroy a group and mint a new id whenever membership changes, so a
// GroupID must never be treated as a permanent identity.
type GroupID int

// GroupNone is the group id of an ungrouped tab.
const GroupNone GroupID = -1

// TabInfo describes a live tab as reported by the driver.
type TabInfo struct {
	ID      TabID
	Index   int
	GroupID GroupID
	URL     string
	Title   string
	Status  string
	Active  bool
}

// GroupColor is one of the browser's fixed tab-group colors.
type GroupColor string

const (
	ColorGrey   GroupColor = "grey"
	ColorBlue   GroupColor = "blue"
	ColorRed    GroupColor = "red"
	ColorYellow GroupColor = "yellow"
	ColorGreen  GroupColor = "green"
	ColorPink   GroupColor = "pink"
	ColorPurple GroupColor = "purple"
	ColorCyan   GroupColor = "cyan"
	ColorOrange GroupColor = "orange"
)

// Palette is the full set of group colors, in preference order.
var Palette = []GroupColor{
	ColorBlue, ColorGreen, ColorPurple, ColorCyan,
	ColorOrange, ColorPink, ColorYellow, ColorRed, ColorGrey,
}

// GroupInfo describes a live tab group.
type GroupInfo struct {
	ID        GroupID
	Title     string
	Color     GroupColor
	Collapsed bool
}

// GroupUpdate carries optional fields for updating a live group's appearance.
// Nil fields are left untouched.
type GroupUpdate struct {
	Title     *string
	Color     *GroupColor
	Collapsed *bool
}

// GroupOptions configures where tabs are grouped.
type GroupOptions struct {
	// GroupID is an existing group to add the tabs into.
	// GroupNone means create a brand-new group.
	GroupID GroupID
}

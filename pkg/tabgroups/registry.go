package tabgroups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
	"github.com/entrhq/tabwarden/pkg/storage"
)

// ErrNotTracked is returned by FindGroupByTab when the tab belongs to no
// tracked session and no live group.
var ErrNotTracked = errors.New("tab is not in any tracked or live group")

// Registry is the authoritative map from a session's anchor tab to its group
// metadata and per-member state. Every mutating operation persists the whole
// registry afterwards; persistence failures are logged and swallowed — the
// in-memory registry stays authoritative for the running process.
//
// Metadata returned from any Registry method is a detached snapshot: the
// live records never leave the lock, so callers can read what they got
// without racing concurrent mutation.
type Registry struct {
	mu        sync.Mutex
	groups    map[browser.TabID]*GroupMetadata
	dismissed map[browser.GroupID]bool
	pinned    browser.GroupID

	tabs     browser.TabAPI
	groupAPI browser.GroupAPI
	store    storage.KV
	labeler  *Labeler
	log      *logging.Logger
}

// persistedState is the serialized encoding of the registry under
// storage.KeyGroups.
type persistedState struct {
	Groups map[browser.TabID]*GroupMetadata `json:"groups"`
}

// NewRegistry creates a registry over the given driver surfaces and store.
func NewRegistry(tabs browser.TabAPI, groupAPI browser.GroupAPI, store storage.KV, labeler *Labeler, log *logging.Logger) *Registry {
	return &Registry{
		groups:    make(map[browser.TabID]*GroupMetadata),
		dismissed: make(map[browser.GroupID]bool),
		pinned:    browser.GroupNone,
		tabs:      tabs,
		groupAPI:  groupAPI,
		store:     store,
		labeler:   labeler,
		log:       log,
	}
}

// Load restores the registry from durable storage. Called once at startup,
// before the reconciler's self-healing pass. The three keys are independent:
// a damaged groups blob is reported, but the dismissed-groups and
// pinned-group keys still load.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var loadErr error
	if data, ok, err := r.store.Get(storage.KeyGroups); err != nil {
		loadErr = fmt.Errorf("failed to read persisted groups: %w", err)
	} else if ok {
		var state persistedState
		if err := json.Unmarshal(data, &state); err != nil {
			loadErr = fmt.Errorf("failed to decode persisted groups: %w", err)
		} else if state.Groups != nil {
			r.groups = state.Groups
			for _, meta := range r.groups {
				if meta.Members == nil {
					meta.Members = make(map[browser.TabID]*MemberState)
				}
			}
		}
	}

	if data, ok, err := r.store.Get(storage.KeyDismissedGroups); err == nil && ok {
		var ids []browser.GroupID
		if err := json.Unmarshal(data, &ids); err == nil {
			for _, id := range ids {
				r.dismissed[id] = true
			}
		}
	}

	if data, ok, err := r.store.Get(storage.KeyPinnedGroup); err == nil && ok {
		var id browser.GroupID
		if err := json.Unmarshal(data, &id); err == nil {
			r.pinned = id
		}
	}

	r.log.Infof("loaded %d tracked groups", len(r.groups))
	return loadErr
}

// CreateGroup forms a new live group around tabID and tracks it as a session
// anchored on that tab. Idempotent per anchor: if a session already exists
// for the tab it is returned unchanged. The underlying group-creation call
// is retried a few times because the browser can transiently reject it.
func (r *Registry) CreateGroup(ctx context.Context, tabID browser.TabID) (*GroupMetadata, error) {
	r.mu.Lock()
	if meta, ok := r.groups[tabID]; ok {
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	liveID, err := r.groupWithRetry(ctx, []browser.TabID{tabID}, browser.GroupOptions{GroupID: browser.GroupNone})
	if err != nil {
		return nil, fmt.Errorf("failed to create live group for tab %d: %w", tabID, err)
	}

	domain := r.domainOf(ctx, tabID)

	r.mu.Lock()
	if meta, ok := r.groups[tabID]; ok {
		// Lost a race against a concurrent create; keep the winner.
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	meta := &GroupMetadata{
		AnchorTabID: tabID,
		CreatedAt:   time.Now(),
		Domain:      domain,
		LiveGroupID: liveID,
		Color:       pickUnusedColor(r.usedColorsLocked()),
		Members: map[browser.TabID]*MemberState{
			tabID: {Indicator: IndicatorNone},
		},
	}
	r.groups[tabID] = meta
	r.persistLocked()
	snap := meta.clone()
	r.mu.Unlock()

	title := domain
	if title == "" {
		title = "Agent session"
	}
	if err := r.labeler.StyleNewGroup(ctx, liveID, snap.Color, title); err != nil {
		r.log.Warnf("failed to style new group %d: %v", liveID, err)
	}
	return snap, nil
}

// AdoptOrphanedGroup starts tracking an existing live group (usually
// human-created) as a session anchored on tabID. Current group members are
// taken over as passive members.
func (r *Registry) AdoptOrphanedGroup(ctx context.Context, tabID browser.TabID, liveID browser.GroupID) (*GroupMetadata, error) {
	r.mu.Lock()
	if meta, ok := r.groups[tabID]; ok {
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	if meta := r.byLiveGroupLocked(liveID); meta != nil {
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	liveTabs, err := r.groupAPI.TabsInGroup(ctx, liveID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect group %d: %w", liveID, err)
	}

	members := make(map[browser.TabID]*MemberState, len(liveTabs))
	for _, tab := range liveTabs {
		state := IndicatorPassive
		if tab.ID == tabID {
			state = IndicatorNone
		}
		members[tab.ID] = &MemberState{Indicator: state}
	}
	if _, ok := members[tabID]; !ok {
		members[tabID] = &MemberState{Indicator: IndicatorNone}
	}

	color := browser.ColorGrey
	if info, err := r.groupAPI.GetGroup(ctx, liveID); err == nil && info.Color != "" {
		color = info.Color
	}

	r.mu.Lock()
	meta := &GroupMetadata{
		AnchorTabID: tabID,
		CreatedAt:   time.Now(),
		Domain:      r.domainOf(ctx, tabID),
		LiveGroupID: liveID,
		Color:       color,
		Members:     members,
	}
	r.groups[tabID] = meta
	r.persistLocked()
	snap := meta.clone()
	r.mu.Unlock()

	return snap, nil
}

// AddTabToGroup places tabID into the live group of the session anchored on
// anchorID and tracks it as a passive member.
func (r *Registry) AddTabToGroup(ctx context.Context, anchorID, tabID browser.TabID) error {
	r.mu.Lock()
	meta, ok := r.groups[anchorID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no tracked group for anchor %d", anchorID)
	}
	liveID := meta.LiveGroupID
	r.mu.Unlock()

	returnedID, err := r.groupWithRetry(ctx, []browser.TabID{tabID}, browser.GroupOptions{GroupID: liveID})
	if err != nil {
		return fmt.Errorf("failed to add tab %d to group %d: %w", tabID, liveID, err)
	}

	r.mu.Lock()
	if meta, ok = r.groups[anchorID]; ok {
		// The browser may have recreated the group underneath us.
		meta.LiveGroupID = returnedID
		if _, exists := meta.Members[tabID]; !exists {
			meta.Members[tabID] = &MemberState{Indicator: IndicatorPassive}
		}
		r.persistLocked()
	}
	r.mu.Unlock()
	return nil
}

// DeleteGroup stops tracking the session anchored on anchorID.
// Returns the removed metadata, already detached from the registry, or nil
// if nothing was tracked.
func (r *Registry) DeleteGroup(anchorID browser.TabID) *GroupMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.groups[anchorID]
	if !ok {
		return nil
	}
	delete(r.groups, anchorID)
	r.persistLocked()
	r.log.Infof("deleted group metadata for anchor %d (live group %d)", anchorID, meta.LiveGroupID)
	return meta
}

// FindGroupByTab resolves the session a tab belongs to. Resolution order:
// direct anchor match, then a scan for the tab's live group id, then — for a
// live group the registry has never seen — a synthesized unmanaged
// description using the lowest-index tab as provisional anchor.
func (r *Registry) FindGroupByTab(ctx context.Context, tabID browser.TabID) (*GroupMetadata, error) {
	r.mu.Lock()
	if meta, ok := r.groups[tabID]; ok {
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	info, err := r.tabs.Get(ctx, tabID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up tab %d: %w", tabID, err)
	}
	if info.GroupID == browser.GroupNone {
		return nil, ErrNotTracked
	}

	r.mu.Lock()
	if meta := r.byLiveGroupLocked(info.GroupID); meta != nil {
		snap := meta.clone()
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	// The tab lives in a group automation has never touched. Describe it
	// without tracking it so callers can still reason about membership.
	liveTabs, err := r.groupAPI.TabsInGroup(ctx, info.GroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect group %d: %w", info.GroupID, err)
	}
	if len(liveTabs) == 0 {
		return nil, ErrNotTracked
	}

	anchor := liveTabs[0]
	members := make(map[browser.TabID]*MemberState, len(liveTabs))
	for _, tab := range liveTabs {
		if tab.Index < anchor.Index {
			anchor = tab
		}
		members[tab.ID] = &MemberState{Indicator: IndicatorNone}
	}

	return &GroupMetadata{
		AnchorTabID: anchor.ID,
		CreatedAt:   time.Now(),
		LiveGroupID: info.GroupID,
		Members:     members,
		Unmanaged:   true,
	}, nil
}

// PromoteToMainTab reassigns the session's anchor identity to an existing
// member. The member's current indicator intent is preserved; the old
// anchor's member entry is dropped rather than demoted.
func (r *Registry) PromoteToMainTab(oldAnchor, newAnchor browser.TabID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.groups[oldAnchor]
	if !ok {
		return fmt.Errorf("no tracked group for anchor %d", oldAnchor)
	}
	if _, ok := meta.Members[newAnchor]; !ok {
		return fmt.Errorf("tab %d is not a member of anchor %d's group", newAnchor, oldAnchor)
	}

	delete(meta.Members, oldAnchor)
	delete(r.groups, oldAnchor)
	meta.AnchorTabID = newAnchor
	r.groups[newAnchor] = meta
	r.persistLocked()
	return nil
}

// GetMembers returns the tracked member tab ids of the session owning the
// given live group, in ascending order. Nil if no session owns it.
func (r *Registry) GetMembers(liveID browser.GroupID) []browser.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := r.byLiveGroupLocked(liveID)
	if meta == nil {
		return nil
	}
	return meta.memberIDs()
}

// DismissGroup records that the human turned passive indicators off for the
// given live group. The decision survives restarts.
func (r *Registry) DismissGroup(liveID browser.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dismissed[liveID] {
		return
	}
	r.dismissed[liveID] = true
	r.persistDismissedLocked()
}

// IsDismissed reports whether passive indicators were dismissed for the
// given live group.
func (r *Registry) IsDismissed(liveID browser.GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dismissed[liveID]
}

// SetPinnedGroup pins a designated automation-owned live group id across
// restarts.
func (r *Registry) SetPinnedGroup(liveID browser.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pinned = liveID
	data, err := json.Marshal(liveID)
	if err == nil {
		err = r.store.Set(storage.KeyPinnedGroup, data)
	}
	if err != nil {
		r.log.Warnf("failed to persist pinned group: %v", err)
	}
}

// PinnedGroup returns the pinned automation-owned live group id, or
// browser.GroupNone.
func (r *Registry) PinnedGroup() browser.GroupID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pinned
}

// Anchors returns a snapshot of all tracked anchor tab ids.
func (r *Registry) Anchors() []browser.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()

	anchors := make([]browser.TabID, 0, len(r.groups))
	for id := range r.groups {
		anchors = append(anchors, id)
	}
	return anchors
}

// --- package-internal accessors -----------------------------------------

// trackedByAnchor returns a snapshot of the session anchored on tab, or nil.
func (r *Registry) trackedByAnchor(tab browser.TabID) *GroupMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta, ok := r.groups[tab]; ok {
		return meta.clone()
	}
	return nil
}

// memberOf returns a snapshot of the session tracking tab as a member
// (anchors included) and the member's state within that snapshot. Both nil
// if untracked.
func (r *Registry) memberOf(tab browser.TabID) (*GroupMetadata, *MemberState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, meta := range r.groups {
		if _, ok := meta.Members[tab]; ok {
			snap := meta.clone()
			return snap, snap.Members[tab]
		}
	}
	return nil, nil
}

// byLiveGroup returns a snapshot of the session owning the given live group
// id, or nil.
func (r *Registry) byLiveGroup(liveID browser.GroupID) *GroupMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta := r.byLiveGroupLocked(liveID); meta != nil {
		return meta.clone()
	}
	return nil
}

func (r *Registry) byLiveGroupLocked(liveID browser.GroupID) *GroupMetadata {
	if liveID == browser.GroupNone {
		return nil
	}
	for _, meta := range r.groups {
		if meta.LiveGroupID == liveID {
			return meta
		}
	}
	return nil
}

// addMember tracks tab as a member of the session anchored on anchor.
// Reports whether the member was newly added.
func (r *Registry) addMember(anchor, tab browser.TabID, state IndicatorState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.groups[anchor]
	if !ok {
		return false
	}
	if _, exists := meta.Members[tab]; exists {
		return false
	}
	meta.Members[tab] = &MemberState{Indicator: state}
	r.persistLocked()
	return true
}

// removeMember stops tracking tab under the session anchored on anchor.
// Reports whether the member existed.
func (r *Registry) removeMember(anchor, tab browser.TabID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.groups[anchor]
	if !ok {
		return false
	}
	if _, exists := meta.Members[tab]; !exists {
		return false
	}
	delete(meta.Members, tab)
	r.persistLocked()
	return true
}

// withMember runs fn on the member state for tab while holding the registry
// lock, then persists. Reports whether the tab was tracked.
func (r *Registry) withMember(tab browser.TabID, fn func(meta *GroupMetadata, state *MemberState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, meta := range r.groups {
		if state, ok := meta.Members[tab]; ok {
			fn(meta, state)
			r.persistLocked()
			return true
		}
	}
	return false
}

// replaceAfterRegroup rewires the session anchored on anchor to a freshly
// created live group containing only the anchor, restoring the anchor's
// indicator intent.
func (r *Registry) replaceAfterRegroup(anchor browser.TabID, newLive browser.GroupID, indicator IndicatorState) *GroupMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.groups[anchor]
	if !ok {
		return nil
	}
	meta.LiveGroupID = newLive
	meta.Members = map[browser.TabID]*MemberState{
		anchor: {Indicator: indicator},
	}
	r.persistLocked()
	return meta.clone()
}

// persist serializes and stores the whole registry, best-effort.
func (r *Registry) persist() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistLocked()
}

func (r *Registry) persistLocked() {
	data, err := json.Marshal(persistedState{Groups: r.groups})
	if err == nil {
		err = r.store.Set(storage.KeyGroups, data)
	}
	if err != nil {
		// Durability is best-effort; in-memory state stays authoritative.
		r.log.Warnf("failed to persist registry: %v", err)
	}
}

func (r *Registry) persistDismissedLocked() {
	ids := make([]browser.GroupID, 0, len(r.dismissed))
	for id := range r.dismissed {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err == nil {
		err = r.store.Set(storage.KeyDismissedGroups, data)
	}
	if err != nil {
		r.log.Warnf("failed to persist dismissed groups: %v", err)
	}
}

func (r *Registry) usedColorsLocked() map[browser.GroupColor]bool {
	used := make(map[browser.GroupColor]bool, len(r.groups))
	for _, meta := range r.groups {
		used[meta.Color] = true
	}
	return used
}

// groupWithRetry calls GroupAPI.Group with a short fixed-delay retry ladder;
// the call can be transiently rejected by the browser.
func (r *Registry) groupWithRetry(ctx context.Context, tabs []browser.TabID, opts browser.GroupOptions) (browser.GroupID, error) {
	var lastErr error
	for attempt := 0; attempt < createGroupAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(createGroupRetryDelay):
			case <-ctx.Done():
				return browser.GroupNone, ctx.Err()
			}
		}
		id, err := r.groupAPI.Group(ctx, tabs, opts)
		if err == nil {
			return id, nil
		}
		lastErr = err
		r.log.Debugf("group call attempt %d failed: %v", attempt+1, err)
	}
	return browser.GroupNone, lastErr
}

// domainOf returns the registrable domain of the tab's current URL,
// best-effort.
func (r *Registry) domainOf(ctx context.Context, tab browser.TabID) string {
	info, err := r.tabs.Get(ctx, tab)
	if err != nil {
		return ""
	}
	u, err := url.Parse(info.URL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

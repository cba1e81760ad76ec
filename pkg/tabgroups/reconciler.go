package tabgroups

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// Reconciler listens for group-membership change events and makes the
// registry match the browser's ground truth. It owns the hard case: the
// human dragging a session's anchor tab out of its live group, which
// triggers a bounded-retry regroup sequence.
type Reconciler struct {
	registry        *Registry
	coordinator     *Coordinator
	classifications *ClassificationCache
	bus             *Bus
	tabs            browser.TabAPI
	groupAPI        browser.GroupAPI
	labeler         *Labeler
	log             *logging.Logger

	maxRetries int
	backoff    time.Duration

	// mu guards the regroup bookkeeping. At most one pendingRegroup exists
	// per anchor; its presence is the idempotence guard against duplicate
	// ejection triggers.
	mu          sync.Mutex
	pending     map[browser.TabID]*pendingRegroup
	unsubscribe func()
}

// NewReconciler wires a reconciler over the engine's other components.
func NewReconciler(registry *Registry, coordinator *Coordinator, classifications *ClassificationCache, bus *Bus, tabs browser.TabAPI, groupAPI browser.GroupAPI, labeler *Labeler, maxRetries int, backoff time.Duration, log *logging.Logger) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Reconciler{
		registry:        registry,
		coordinator:     coordinator,
		classifications: classifications,
		bus:             bus,
		tabs:            tabs,
		groupAPI:        groupAPI,
		labeler:         labeler,
		log:             log,
		maxRetries:      maxRetries,
		backoff:         backoff,
		pending:         make(map[browser.TabID]*pendingRegroup),
	}
}

// Start subscribes the reconciler to the event bus.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe == nil {
		r.unsubscribe = r.bus.SubscribeAll(r.handleEvent)
	}
}

// Stop unsubscribes and cancels any scheduled regroup retries.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	for anchor, pr := range r.pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		delete(r.pending, anchor)
	}
}

func (r *Reconciler) handleEvent(ev browser.TabEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case browser.TabGroupChanged:
		r.onGroupChanged(ctx, ev.TabID, ev.GroupID)
	case browser.TabRemoved:
		r.onTabRemoved(ctx, ev.TabID)
	case browser.TabURLChanged:
		r.onURLChanged(ctx, ev.TabID, ev.URL)
	}
}

// onGroupChanged handles a tab's live group changing: eviction from a
// tracked group, anchor ejection, or joining a tracked group.
func (r *Reconciler) onGroupChanged(ctx context.Context, tab browser.TabID, newGroup browser.GroupID) {
	if meta, _ := r.registry.memberOf(tab); meta != nil && newGroup != meta.LiveGroupID {
		if tab == meta.AnchorTabID {
			r.onAnchorEjected(ctx, meta)
		} else {
			r.registry.removeMember(meta.AnchorTabID, tab)
			r.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
			r.classifications.RemoveTab(meta.LiveGroupID, tab)
			r.log.Infof("tab %d left tracked group %d", tab, meta.LiveGroupID)
		}
	}

	if newGroup == browser.GroupNone {
		return
	}
	if meta := r.registry.byLiveGroup(newGroup); meta != nil {
		r.onTabJoined(ctx, meta.AnchorTabID, tab)
	}
}

// onTabJoined handles a tab joining a live group the registry tracks: the
// tab becomes a passive member (the anchor gets a neutral default), its URL
// is classified, and — unless the human dismissed this group — the passive
// indicator is shown, with retries since the surface may not be ready yet.
func (r *Reconciler) onTabJoined(ctx context.Context, anchor, tab browser.TabID) {
	meta := r.registry.trackedByAnchor(anchor)
	if meta == nil {
		return
	}
	state := IndicatorPassive
	if tab == meta.AnchorTabID {
		state = IndicatorNone
	}
	if !r.registry.addMember(anchor, tab, state) {
		// Already a known member.
		return
	}
	r.log.Infof("tab %d joined tracked group %d", tab, meta.LiveGroupID)

	if info, err := r.tabs.Get(ctx, tab); err == nil {
		r.classifications.ClassifyTab(ctx, meta.LiveGroupID, tab, info.URL)
	}

	if state == IndicatorPassive && !r.registry.IsDismissed(meta.LiveGroupID) {
		r.coordinator.NotifyWithRetry(ctx, tab, browser.IndicatorMessage{Kind: browser.ShowPassive})
	}
}

// onTabRemoved handles a tab closing. A closing anchor ends its session;
// a closing member is simply dropped.
func (r *Reconciler) onTabRemoved(ctx context.Context, tab browser.TabID) {
	if meta := r.registry.trackedByAnchor(tab); meta != nil {
		r.cancelPending(tab)
		r.purgeGroup(ctx, meta, "anchor tab closed")
		return
	}
	if meta, _ := r.registry.memberOf(tab); meta != nil {
		r.registry.removeMember(meta.AnchorTabID, tab)
		r.classifications.RemoveTab(meta.LiveGroupID, tab)
	}
}

// onURLChanged re-classifies a tracked tab after navigation.
func (r *Reconciler) onURLChanged(ctx context.Context, tab browser.TabID, url string) {
	if meta, _ := r.registry.memberOf(tab); meta != nil {
		r.classifications.ClassifyTab(ctx, meta.LiveGroupID, tab, url)
	}
}

// onAnchorEjected handles the hard case: the session's anchor tab left its
// live group (typically dragged out by the human). The reconciler re-forms a
// live group around the anchor alone, preserving its indicator intent. The
// browser rejects group mutations while the user is mid-drag, so failures of
// that class are retried on a fixed backoff, a bounded number of times, then
// one final attempt is made unconditionally. If that also fails the session
// is considered lost and its metadata deleted rather than left dangling.
func (r *Reconciler) onAnchorEjected(ctx context.Context, meta *GroupMetadata) {
	anchor := meta.AnchorTabID

	r.mu.Lock()
	if _, inFlight := r.pending[anchor]; inFlight {
		// A regroup for this anchor is already pending or in progress.
		r.mu.Unlock()
		return
	}
	// meta is a detached snapshot, safe to park on the pending record.
	snapshot := meta
	indicator := IndicatorNone
	if state, ok := snapshot.Members[anchor]; ok {
		indicator = state.Indicator
	}
	pr := &pendingRegroup{
		anchorTabID:         anchor,
		originalLiveGroupID: snapshot.LiveGroupID,
		indicator:           indicator,
		snapshot:            snapshot,
	}
	r.pending[anchor] = pr
	r.mu.Unlock()

	r.log.Infof("anchor %d ejected from group %d, regrouping", anchor, snapshot.LiveGroupID)
	r.attemptRegroup(ctx, pr, false)
}

// attemptRegroup runs one regroup attempt for the pending record. With
// forced set, a drag conflict is no longer retried: any failure ends the
// session.
func (r *Reconciler) attemptRegroup(ctx context.Context, pr *pendingRegroup, forced bool) {
	newID, err := r.groupAPI.Group(ctx, []browser.TabID{pr.anchorTabID}, browser.GroupOptions{GroupID: browser.GroupNone})
	if err == nil {
		r.finishRegroup(ctx, pr, newID)
		return
	}

	if browser.IsTransient(err) && !forced {
		pr.attempts++
		if pr.attempts <= r.maxRetries {
			r.log.Debugf("regroup of anchor %d conflicts with user drag (attempt %d/%d), backing off", pr.anchorTabID, pr.attempts, r.maxRetries)
			r.mu.Lock()
			// Stop may have raced us and dropped the record.
			if r.pending[pr.anchorTabID] == pr {
				pr.timer = time.AfterFunc(r.backoff, func() {
					r.attemptRegroup(context.Background(), pr, false)
				})
			}
			r.mu.Unlock()
			return
		}
		// Retries exhausted: one unconditional final attempt.
		r.log.Warnf("regroup of anchor %d exhausted %d retries, forcing final attempt", pr.anchorTabID, r.maxRetries)
		r.attemptRegroup(ctx, pr, true)
		return
	}

	// Permanent failure (or the forced attempt failed too): the session is
	// lost rather than left dangling.
	r.log.Warnf("regroup of anchor %d failed permanently: %v", pr.anchorTabID, err)
	r.cancelPending(pr.anchorTabID)
	if meta := r.registry.trackedByAnchor(pr.anchorTabID); meta != nil {
		r.purgeGroup(ctx, meta, "regroup failed")
	}
	r.classifications.DropGroup(pr.originalLiveGroupID)
}

// finishRegroup commits a successful regroup: the registry is rewired to
// the new live group holding only the anchor, the group is restyled, the
// anchor's indicator intent is reattached, and the old group's remaining
// members are told to drop their indicators and are ungrouped.
func (r *Reconciler) finishRegroup(ctx context.Context, pr *pendingRegroup, newID browser.GroupID) {
	meta := r.registry.replaceAfterRegroup(pr.anchorTabID, newID, pr.indicator)
	r.cancelPending(pr.anchorTabID)
	if meta == nil {
		// The session vanished while the regroup was in flight.
		return
	}

	title := meta.Domain
	if title == "" {
		title = "Agent session"
	}
	if err := r.labeler.StyleNewGroup(ctx, newID, meta.Color, title); err != nil {
		r.log.Warnf("failed to restyle regrouped %d: %v", newID, err)
	}

	if pr.indicator == IndicatorRunning {
		r.coordinator.SetIndicatorState(pr.anchorTabID, IndicatorRunning)
	}

	// Retire the old live group: its leftover members are no longer part of
	// the session.
	leftovers := make([]browser.TabID, 0, len(pr.snapshot.Members))
	for tab := range pr.snapshot.Members {
		if tab != pr.anchorTabID {
			leftovers = append(leftovers, tab)
		}
	}
	if len(leftovers) > 0 {
		for _, tab := range leftovers {
			r.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
		}
		if err := r.groupAPI.Ungroup(ctx, leftovers); err != nil {
			r.log.Debugf("failed to ungroup leftovers of %d: %v", pr.originalLiveGroupID, err)
		}
	}
	r.classifications.DropGroup(pr.originalLiveGroupID)
	r.log.Infof("regrouped anchor %d into fresh group %d", pr.anchorTabID, newID)
}

// cancelPending drops the regroup record for an anchor, stopping any timer.
func (r *Reconciler) cancelPending(anchor browser.TabID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pr, ok := r.pending[anchor]; ok {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		delete(r.pending, anchor)
	}
}

// purgeGroup deletes a session's metadata and hides indicators on whatever
// members remain reachable. Best-effort throughout.
func (r *Reconciler) purgeGroup(ctx context.Context, meta *GroupMetadata, reason string) {
	removed := r.registry.DeleteGroup(meta.AnchorTabID)
	if removed == nil {
		return
	}
	r.log.Infof("purged session for anchor %d: %s", removed.AnchorTabID, reason)
	for tab := range removed.Members {
		if tab == removed.AnchorTabID {
			continue
		}
		r.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
	}
	r.classifications.DropGroup(removed.LiveGroupID)
}

// ReconcileWithBrowser is the self-healing pass, run at startup and on
// demand. For every tracked anchor it verifies the live group still exists
// and still contains the anchor, then diffs tracked members against actual
// membership and drops any that vanished. It recovers from events missed
// while the process was not running.
func (r *Reconciler) ReconcileWithBrowser(ctx context.Context) {
	for _, anchor := range r.registry.Anchors() {
		meta := r.registry.trackedByAnchor(anchor)
		if meta == nil {
			continue
		}

		info, err := r.tabs.Get(ctx, anchor)
		if err != nil {
			r.purgeGroup(ctx, meta, "anchor tab gone")
			continue
		}
		if info.GroupID != meta.LiveGroupID {
			// The anchor itself moved to a different live group.
			r.purgeGroup(ctx, meta, "anchor moved to another group")
			continue
		}

		liveTabs, err := r.groupAPI.TabsInGroup(ctx, meta.LiveGroupID)
		if err != nil {
			r.purgeGroup(ctx, meta, "live group gone")
			continue
		}
		liveExists := make(map[browser.TabID]bool, len(liveTabs))
		for _, tab := range liveTabs {
			liveExists[tab.ID] = true
		}

		for _, tab := range meta.memberIDs() {
			if liveExists[tab] {
				continue
			}
			r.registry.removeMember(anchor, tab)
			r.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
			r.classifications.RemoveTab(meta.LiveGroupID, tab)
			r.log.Infof("reconcile: dropped vanished member %d from group %d", tab, meta.LiveGroupID)
		}

		// Tabs the browser reports in the group but the registry missed
		// (joined while the process was not running) become members now,
		// so membership closes over the live state in both directions.
		for _, tab := range liveTabs {
			if r.registry.addMember(anchor, tab.ID, IndicatorPassive) {
				r.classifications.ClassifyTab(ctx, meta.LiveGroupID, tab.ID, tab.URL)
				if !r.registry.IsDismissed(meta.LiveGroupID) {
					r.coordinator.NotifyWithRetry(ctx, tab.ID, browser.IndicatorMessage{Kind: browser.ShowPassive})
				}
				r.log.Infof("reconcile: adopted member %d into group %d", tab.ID, meta.LiveGroupID)
			}
		}
	}
}

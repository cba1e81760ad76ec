package tabgroups

import (
	"context"
	"fmt"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/classify"
	"github.com/entrhq/tabwarden/pkg/config"
	"github.com/entrhq/tabwarden/pkg/logging"
	"github.com/entrhq/tabwarden/pkg/storage"
)

// Engine wires the bus, registry, reconciler, coordinator and classification
// cache together and is the single entry point collaborators call into.
// All services are explicitly constructed — no ambient global state — so the
// whole engine runs against test doubles of the browser surface.
type Engine struct {
	bus             *Bus
	registry        *Registry
	coordinator     *Coordinator
	reconciler      *Reconciler
	classifications *ClassificationCache
	log             *logging.Logger
}

// Options configures a new engine.
type Options struct {
	// Driver is the browser surface: tabs, groups, raw events and the
	// per-tab indicator transport.
	Driver browser.Driver

	// Store is the durable key-value area for registry state.
	Store storage.KV

	// Classifier is the injected domain-classification capability.
	// May be nil, in which case every URL is treated as unclassified.
	Classifier classify.Classifier

	// Config supplies tunables; zero value gets defaults.
	Config config.Config
}

// New constructs an engine. Call Start before use.
func New(opts Options) (*Engine, error) {
	if opts.Driver == nil {
		return nil, fmt.Errorf("browser driver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	// Zero-value tunables get floored by each component's constructor, so a
	// zero Config is usable as-is.
	cfg := opts.Config

	busLog, _ := logging.NewLogger("bus")
	registryLog, _ := logging.NewLogger("registry")
	indicatorLog, _ := logging.NewLogger("indicator")
	reconcilerLog, _ := logging.NewLogger("reconciler")
	classifyLog, _ := logging.NewLogger("classification")
	engineLog, _ := logging.NewLogger("engine")

	labeler := NewLabeler(opts.Driver, registryLog)
	bus := NewBus(opts.Driver, busLog)
	registry := NewRegistry(opts.Driver, opts.Driver, opts.Store, labeler, registryLog)
	coordinator := NewCoordinator(registry, opts.Driver, cfg.Indicator.Debounce.Std(), indicatorLog)
	classifications := NewClassificationCache(opts.Classifier, registry, opts.Driver, cfg.Classification.Freshness.Std(), classifyLog)
	reconciler := NewReconciler(registry, coordinator, classifications, bus, opts.Driver, opts.Driver, labeler, cfg.Regroup.MaxRetries, cfg.Regroup.Backoff.Std(), reconcilerLog)

	return &Engine{
		bus:             bus,
		registry:        registry,
		coordinator:     coordinator,
		reconciler:      reconciler,
		classifications: classifications,
		log:             engineLog,
	}, nil
}

// Start loads persisted state, runs the self-healing reconciliation pass and
// begins consuming browser events.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Load(); err != nil {
		// A damaged blob must not block automation; keep whatever loaded.
		e.log.Warnf("failed to load persisted state: %v", err)
	}
	e.reconciler.Start()
	e.reconciler.ReconcileWithBrowser(ctx)
	e.log.Infof("engine started")
	return nil
}

// Stop detaches from the event stream and flushes any pending indicator
// intent. The store is owned by the caller and stays open.
func (e *Engine) Stop() {
	e.reconciler.Stop()
	e.coordinator.Stop()
	e.log.Infof("engine stopped")
}

// --- session operations --------------------------------------------------

// CreateGroup starts (or returns) the automation session anchored on tabID.
func (e *Engine) CreateGroup(ctx context.Context, tabID browser.TabID) (*GroupMetadata, error) {
	return e.registry.CreateGroup(ctx, tabID)
}

// AdoptOrphanedGroup adopts an existing live group as a session.
func (e *Engine) AdoptOrphanedGroup(ctx context.Context, tabID browser.TabID, liveID browser.GroupID) (*GroupMetadata, error) {
	return e.registry.AdoptOrphanedGroup(ctx, tabID, liveID)
}

// AddTabToGroup places a tab into an existing session's live group.
func (e *Engine) AddTabToGroup(ctx context.Context, anchorID, tabID browser.TabID) error {
	return e.registry.AddTabToGroup(ctx, anchorID, tabID)
}

// FindGroupByTab resolves the session (or unmanaged group description) a tab
// belongs to.
func (e *Engine) FindGroupByTab(ctx context.Context, tabID browser.TabID) (*GroupMetadata, error) {
	return e.registry.FindGroupByTab(ctx, tabID)
}

// PromoteToMainTab reassigns a session's anchor identity to another member.
func (e *Engine) PromoteToMainTab(oldAnchor, newAnchor browser.TabID) error {
	return e.registry.PromoteToMainTab(oldAnchor, newAnchor)
}

// EndSession deletes the session anchored on anchorID, hiding member
// indicators and ungrouping its tabs, best-effort.
func (e *Engine) EndSession(ctx context.Context, anchorID browser.TabID) {
	meta := e.registry.DeleteGroup(anchorID)
	if meta == nil {
		return
	}
	members := meta.memberIDs()
	for _, tab := range members {
		if tab != anchorID {
			e.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
		}
	}
	e.classifications.DropGroup(meta.LiveGroupID)
}

// GetMembers returns the session member tabs of a live group.
func (e *Engine) GetMembers(liveID browser.GroupID) []browser.TabID {
	return e.registry.GetMembers(liveID)
}

// ReconcileWithBrowser runs the self-healing pass on demand.
func (e *Engine) ReconcileWithBrowser(ctx context.Context) {
	e.reconciler.ReconcileWithBrowser(ctx)
}

// --- indicator operations ------------------------------------------------

// SetRunning shows the pulsing running marker on a session's anchor tab.
func (e *Engine) SetRunning(tab browser.TabID) {
	e.coordinator.SetIndicatorState(tab, IndicatorRunning)
}

// ClearRunning removes the running marker.
func (e *Engine) ClearRunning(tab browser.TabID) {
	e.coordinator.SetIndicatorState(tab, IndicatorNone)
}

// HideForToolUse suppresses a tab's indicator around an operation that
// needs the screen free of overlays.
func (e *Engine) HideForToolUse(tab browser.TabID) {
	e.coordinator.HideForToolUse(tab)
}

// RestoreAfterToolUse restores the pre-suppression indicator state.
func (e *Engine) RestoreAfterToolUse(tab browser.TabID) {
	e.coordinator.RestoreAfterToolUse(tab)
}

// DismissGroup turns passive indicators off for a live group and hides any
// currently shown ones. Called by the tab-side indicator script.
func (e *Engine) DismissGroup(ctx context.Context, liveID browser.GroupID) {
	e.registry.DismissGroup(liveID)
	for _, tab := range e.registry.GetMembers(liveID) {
		e.coordinator.NotifyDirect(ctx, tab, browser.IndicatorMessage{Kind: browser.HidePassive})
	}
}

// IsGroupAlive answers the tab-side heartbeat: is this live group still a
// tracked session?
func (e *Engine) IsGroupAlive(liveID browser.GroupID) bool {
	return e.registry.byLiveGroup(liveID) != nil
}

// --- group labeling ------------------------------------------------------

// SetGroupStatus surfaces a coarse progress state on the session's group
// title as a single-glyph marker.
func (e *Engine) SetGroupStatus(ctx context.Context, anchorID browser.TabID, status GroupStatus) error {
	meta := e.registry.trackedByAnchor(anchorID)
	if meta == nil {
		return fmt.Errorf("no tracked group for anchor %d", anchorID)
	}
	return e.reconciler.labeler.SetStatus(ctx, meta.LiveGroupID, status)
}

// --- classification ------------------------------------------------------

// GroupClassification returns the (possibly cached) content-safety
// aggregate for a live group.
func (e *Engine) GroupClassification(ctx context.Context, liveID browser.GroupID) *GroupClassificationStatus {
	return e.classifications.Status(ctx, liveID)
}

// OnClassificationChange registers a listener for aggregate changes.
func (e *Engine) OnClassificationChange(fn func(browser.GroupID, classify.Category)) {
	e.classifications.OnAggregateChange(fn)
}

// --- pinned automation group ---------------------------------------------

// PinAutomationGroup remembers a live group as automation-owned across
// restarts.
func (e *Engine) PinAutomationGroup(liveID browser.GroupID) {
	e.registry.SetPinnedGroup(liveID)
}

// PinnedAutomationGroup returns the pinned group id, or browser.GroupNone.
func (e *Engine) PinnedAutomationGroup() browser.GroupID {
	return e.registry.PinnedGroup()
}

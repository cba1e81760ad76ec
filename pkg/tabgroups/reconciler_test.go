package tabgroups

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/tabwarden/pkg/browser"
)

type reconcilerHarness struct {
	driver          *fakeDriver
	registry        *Registry
	coordinator     *Coordinator
	classifications *ClassificationCache
	bus             *Bus
	reconciler      *Reconciler
}

func newReconcilerHarness(t *testing.T, maxRetries int, backoff time.Duration) *reconcilerHarness {
	t.Helper()
	driver := newFakeDriver()
	store := newMemStore()
	log := testLogger("reconciler-test")
	labeler := NewLabeler(driver, log)
	registry := NewRegistry(driver, driver, store, labeler, log)
	coordinator := NewCoordinator(registry, driver, time.Hour, log)
	classifications := NewClassificationCache(nil, registry, driver, time.Hour, log)
	bus := NewBus(driver, log)
	reconciler := NewReconciler(registry, coordinator, classifications, bus, driver, driver, labeler, maxRetries, backoff, log)
	reconciler.Start()
	t.Cleanup(reconciler.Stop)
	return &reconcilerHarness{
		driver:          driver,
		registry:        registry,
		coordinator:     coordinator,
		classifications: classifications,
		bus:             bus,
		reconciler:      reconciler,
	}
}

// session creates a tracked one-tab session and resets notification noise.
func (h *reconcilerHarness) session(t *testing.T, anchor browser.TabID, url string) *GroupMetadata {
	t.Helper()
	h.driver.addTab(anchor, url, int(anchor))
	meta, err := h.registry.CreateGroup(context.Background(), anchor)
	require.NoError(t, err)
	h.driver.clearNotifications()
	return meta
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMemberEviction(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.driver.addTab(2, "https://example.com/a", 2)
	require.NoError(t, h.registry.AddTabToGroup(context.Background(), 1, 2))

	// The human drags the member out.
	h.driver.setTabGroup(2, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 2, GroupID: browser.GroupNone})

	current := h.registry.trackedByAnchor(1)
	require.NotNil(t, current)
	assert.NotContains(t, current.Members, browser.TabID(2))
	assert.Equal(t, []browser.IndicatorMessageKind{browser.HidePassive}, h.driver.notificationsFor(2))
	// The anchor stays, session intact.
	assert.Equal(t, meta.LiveGroupID, current.LiveGroupID)
}

func TestTabJoinsTrackedGroup(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.driver.addTab(3, "https://example.com/new", 3)

	h.driver.setTabGroup(3, meta.LiveGroupID)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 3, GroupID: meta.LiveGroupID})

	current := h.registry.trackedByAnchor(1)
	require.Contains(t, current.Members, browser.TabID(3))
	assert.Equal(t, IndicatorPassive, current.Members[3].Indicator)
	assert.Equal(t, []browser.IndicatorMessageKind{browser.ShowPassive}, h.driver.notificationsFor(3))

	// Replaying the event is a no-op.
	h.driver.clearNotifications()
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 3, GroupID: meta.LiveGroupID})
	assert.Empty(t, h.driver.notifications())
}

func TestTabJoinsDismissedGroup(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.registry.DismissGroup(meta.LiveGroupID)
	h.driver.addTab(3, "https://example.com/new", 3)

	h.driver.setTabGroup(3, meta.LiveGroupID)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 3, GroupID: meta.LiveGroupID})

	// Tracked as a member, but no marker shown.
	current := h.registry.trackedByAnchor(1)
	require.Contains(t, current.Members, browser.TabID(3))
	assert.Empty(t, h.driver.notificationsFor(3))
}

func TestAnchorEjectionRegroups(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.driver.addTab(2, "https://example.com/a", 2)
	require.NoError(t, h.registry.AddTabToGroup(context.Background(), 1, 2))
	oldLive := meta.LiveGroupID
	h.coordinator.SetIndicatorState(1, IndicatorRunning)
	h.coordinator.Flush()
	h.driver.clearNotifications()

	// The human drags the anchor out of its group.
	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})

	// The session lives on in a fresh live group holding only the anchor.
	current := h.registry.trackedByAnchor(1)
	require.NotNil(t, current)
	newLive := current.LiveGroupID
	assert.NotEqual(t, oldLive, newLive)
	assert.Equal(t, []browser.TabID{1}, current.memberIDs())

	// The fresh group got restyled with the session's color and title.
	info, err := h.driver.GetGroup(context.Background(), newLive)
	require.NoError(t, err)
	assert.Equal(t, current.Color, info.Color)
	assert.Equal(t, "example.com", info.Title)

	// The anchor's running marker came back.
	h.coordinator.Flush()
	assert.Contains(t, h.driver.notificationsFor(1), browser.ShowRunning)

	// Leftover member 2 was told to drop its marker and was ungrouped.
	assert.Equal(t, []browser.IndicatorMessageKind{browser.HidePassive}, h.driver.notificationsFor(2))
	leftover, err := h.driver.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, browser.GroupNone, leftover.GroupID)
}

func TestAnchorEjectionRetriesDragConflict(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	oldLive := meta.LiveGroupID
	h.driver.queueGroupErrs(browser.ErrTabDragInProgress, browser.ErrTabDragInProgress, nil)

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})

	waitFor(t, "regroup to succeed after retries", func() bool {
		current := h.registry.trackedByAnchor(1)
		return current != nil && current.LiveGroupID != oldLive
	})
}

func TestAnchorEjectionForcedFinalAttempt(t *testing.T) {
	h := newReconcilerHarness(t, 2, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	oldLive := meta.LiveGroupID
	setupCalls := h.driver.groupCallCount()
	// Initial attempt plus two retries conflict; the forced attempt lands.
	h.driver.queueGroupErrs(browser.ErrTabDragInProgress, browser.ErrTabDragInProgress, browser.ErrTabDragInProgress, nil)

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})

	waitFor(t, "forced regroup to succeed", func() bool {
		current := h.registry.trackedByAnchor(1)
		return current != nil && current.LiveGroupID != oldLive
	})
	assert.Equal(t, 4, h.driver.groupCallCount()-setupCalls)
}

func TestAnchorEjectionGivesUpAfterForcedAttempt(t *testing.T) {
	h := newReconcilerHarness(t, 2, time.Millisecond)
	h.session(t, 1, "https://example.com")
	setupCalls := h.driver.groupCallCount()
	// Everything conflicts, including the forced attempt: session is lost.
	h.driver.queueGroupErrs(
		browser.ErrTabDragInProgress, browser.ErrTabDragInProgress,
		browser.ErrTabDragInProgress, browser.ErrTabDragInProgress,
	)

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})

	waitFor(t, "session to be purged", func() bool {
		return h.registry.trackedByAnchor(1) == nil
	})
	assert.Equal(t, 4, h.driver.groupCallCount()-setupCalls)
}

func TestAnchorEjectionPermanentFailure(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	h.session(t, 1, "https://example.com")
	setupCalls := h.driver.groupCallCount()
	h.driver.queueGroupErrs(errors.New("window is closing"))

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})

	// No retries for a non-conflict failure: metadata deleted immediately.
	assert.Nil(t, h.registry.trackedByAnchor(1))
	assert.Equal(t, 1, h.driver.groupCallCount()-setupCalls)
}

func TestDuplicateEjectionEventsCoalesce(t *testing.T) {
	h := newReconcilerHarness(t, 5, 500*time.Millisecond)
	h.session(t, 1, "https://example.com")
	// The first attempt conflicts and parks a retry on a long backoff.
	h.driver.queueGroupErrs(browser.ErrTabDragInProgress)

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})
	calls := h.driver.groupCallCount()

	// A duplicate ejection event must not start a second regroup sequence.
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})
	assert.Equal(t, calls, h.driver.groupCallCount())
}

func TestAnchorTabClosedEndsSession(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.driver.addTab(2, "https://example.com/a", 2)
	require.NoError(t, h.registry.AddTabToGroup(context.Background(), 1, 2))
	liveID := meta.LiveGroupID
	h.driver.clearNotifications()

	h.driver.removeTab(1)
	h.driver.emit(browser.TabEvent{Kind: browser.TabRemoved, TabID: 1})

	assert.Nil(t, h.registry.trackedByAnchor(1))
	assert.Nil(t, h.registry.GetMembers(liveID))
	assert.Equal(t, []browser.IndicatorMessageKind{browser.HidePassive}, h.driver.notificationsFor(2))
}

func TestMemberTabClosed(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	h.driver.addTab(2, "https://example.com/a", 2)
	require.NoError(t, h.registry.AddTabToGroup(context.Background(), 1, 2))

	h.driver.removeTab(2)
	h.driver.emit(browser.TabEvent{Kind: browser.TabRemoved, TabID: 2})

	current := h.registry.trackedByAnchor(1)
	require.NotNil(t, current)
	assert.NotContains(t, current.Members, browser.TabID(2))
	assert.Equal(t, meta.LiveGroupID, current.LiveGroupID)
}

func TestReconcileWithBrowser(t *testing.T) {
	ctx := context.Background()

	t.Run("anchor tab gone", func(t *testing.T) {
		h := newReconcilerHarness(t, 5, time.Millisecond)
		h.session(t, 1, "https://example.com")
		h.driver.removeTab(1)

		h.reconciler.ReconcileWithBrowser(ctx)
		assert.Nil(t, h.registry.trackedByAnchor(1))
	})

	t.Run("anchor moved to another group", func(t *testing.T) {
		h := newReconcilerHarness(t, 5, time.Millisecond)
		h.session(t, 1, "https://example.com")
		h.driver.addTab(5, "https://other.test", 5)
		foreign, err := h.driver.Group(ctx, []browser.TabID{5}, browser.GroupOptions{GroupID: browser.GroupNone})
		require.NoError(t, err)
		h.driver.setTabGroup(1, foreign)

		h.reconciler.ReconcileWithBrowser(ctx)
		assert.Nil(t, h.registry.trackedByAnchor(1))
	})

	t.Run("vanished member dropped", func(t *testing.T) {
		h := newReconcilerHarness(t, 5, time.Millisecond)
		meta := h.session(t, 1, "https://example.com")
		h.driver.addTab(2, "https://example.com/a", 2)
		require.NoError(t, h.registry.AddTabToGroup(ctx, 1, 2))
		// The tab was moved out while the process was not watching.
		h.driver.setTabGroup(2, browser.GroupNone)

		h.reconciler.ReconcileWithBrowser(ctx)
		current := h.registry.trackedByAnchor(1)
		require.NotNil(t, current)
		assert.NotContains(t, current.Members, browser.TabID(2))
		assert.Equal(t, meta.LiveGroupID, current.LiveGroupID)
	})

	t.Run("unseen live tab adopted", func(t *testing.T) {
		h := newReconcilerHarness(t, 5, time.Millisecond)
		meta := h.session(t, 1, "https://example.com")
		h.driver.addTab(7, "https://example.com/late", 7)
		// The tab joined the group while the process was not watching.
		h.driver.setTabGroup(7, meta.LiveGroupID)

		h.reconciler.ReconcileWithBrowser(ctx)
		current := h.registry.trackedByAnchor(1)
		require.Contains(t, current.Members, browser.TabID(7))
		assert.Equal(t, IndicatorPassive, current.Members[7].Indicator)
		assert.Equal(t, []browser.IndicatorMessageKind{browser.ShowPassive}, h.driver.notificationsFor(7))
	})

	t.Run("intact session untouched", func(t *testing.T) {
		h := newReconcilerHarness(t, 5, time.Millisecond)
		meta := h.session(t, 1, "https://example.com")

		h.reconciler.ReconcileWithBrowser(ctx)
		assert.Equal(t, meta, h.registry.trackedByAnchor(1))
		assert.Empty(t, h.driver.notifications())
	})
}

func TestSweepConcurrentWithJoinEvents(t *testing.T) {
	h := newReconcilerHarness(t, 5, time.Millisecond)
	meta := h.session(t, 1, "https://example.com")
	live := meta.LiveGroupID

	// Join events mutate membership on one goroutine while the sweep reads
	// it on another.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			tab := browser.TabID(100 + i)
			h.driver.addTab(tab, "https://example.com/p", 2+i)
			h.driver.setTabGroup(tab, live)
			h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: tab, GroupID: live})
		}
	}()
	for i := 0; i < 50; i++ {
		h.reconciler.ReconcileWithBrowser(context.Background())
	}
	<-done

	current := h.registry.trackedByAnchor(1)
	require.NotNil(t, current)
	assert.Len(t, current.Members, 51)
}

func TestStopCancelsScheduledRetries(t *testing.T) {
	h := newReconcilerHarness(t, 5, 10*time.Millisecond)
	h.session(t, 1, "https://example.com")
	h.driver.queueGroupErrs(browser.ErrTabDragInProgress)

	h.driver.setTabGroup(1, browser.GroupNone)
	h.driver.emit(browser.TabEvent{Kind: browser.TabGroupChanged, TabID: 1, GroupID: browser.GroupNone})
	calls := h.driver.groupCallCount()

	h.reconciler.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.driver.groupCallCount())
}

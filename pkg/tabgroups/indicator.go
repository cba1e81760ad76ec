package tabgroups

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// Coordinator computes the desired visual indicator per tab and coalesces
// rapid-fire updates into a single debounced dispatch per tab. A single
// shared timer represents "there is unflushed indicator intent"; every new
// update resets it rather than stacking timers, so bursts collapse into the
// last-known-good intent for each tab.
//
// Dispatch is best-effort: a tab's surface may not be loaded yet, and a
// dispatched message may race with a later state change. That is acceptable
// because the flush always sends the most recent intent, making the system
// eventually consistent rather than strictly ordered.
type Coordinator struct {
	registry *Registry
	notifier browser.IndicatorNotifier
	debounce time.Duration
	log      *logging.Logger

	mu      sync.Mutex
	pending map[browser.TabID]browser.IndicatorMessage
	timer   *time.Timer
}

// NewCoordinator creates a coordinator dispatching through notifier.
func NewCoordinator(registry *Registry, notifier browser.IndicatorNotifier, debounce time.Duration, log *logging.Logger) *Coordinator {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Coordinator{
		registry: registry,
		notifier: notifier,
		debounce: debounce,
		log:      log,
		pending:  make(map[browser.TabID]browser.IndicatorMessage),
	}
}

// SetIndicatorState records the desired indicator state for a tracked tab
// and schedules a debounced dispatch. Untracked tabs are a no-op.
//
// Transitions into IndicatorPassive for a group the human has dismissed keep
// the internal state but dispatch nothing.
func (c *Coordinator) SetIndicatorState(tab browser.TabID, state IndicatorState) {
	var (
		msg      browser.IndicatorMessage
		dispatch bool
	)
	tracked := c.registry.withMember(tab, func(meta *GroupMetadata, member *MemberState) {
		previous := member.Indicator
		member.Indicator = state
		member.PendingUpdate = true

		if state == IndicatorPassive && c.registry.dismissed[meta.LiveGroupID] {
			// Dismissed groups never get a passive marker shown.
			return
		}
		msg = messageFor(previous, state)
		msg.RemoteSession = member.AutomationClient
		dispatch = true
	})
	if !tracked || !dispatch {
		return
	}
	c.queue(tab, msg)
}

// HideForToolUse snapshots the tab's indicator state and suppresses the
// visual surface so the screen is free of overlays.
func (c *Coordinator) HideForToolUse(tab browser.TabID) {
	var (
		msg      browser.IndicatorMessage
		dispatch bool
	)
	c.registry.withMember(tab, func(_ *GroupMetadata, member *MemberState) {
		if member.Indicator == IndicatorSuppressed {
			return
		}
		member.PreviousIndicator = member.Indicator
		member.Indicator = IndicatorSuppressed
		member.PendingUpdate = true
		msg = browser.IndicatorMessage{
			Kind:          browser.SuppressForToolUse,
			RemoteSession: member.AutomationClient,
		}
		dispatch = true
	})
	if dispatch {
		c.queue(tab, msg)
	}
}

// RestoreAfterToolUse returns the tab to the state held immediately before
// suppression. Restoration re-checks group dismissal before re-showing a
// passive indicator.
func (c *Coordinator) RestoreAfterToolUse(tab browser.TabID) {
	var (
		msg      browser.IndicatorMessage
		dispatch bool
	)
	c.registry.withMember(tab, func(meta *GroupMetadata, member *MemberState) {
		if member.Indicator != IndicatorSuppressed {
			return
		}
		restored := member.PreviousIndicator
		if restored == "" {
			restored = IndicatorNone
		}
		member.Indicator = restored
		member.PreviousIndicator = ""
		member.PendingUpdate = true

		switch restored {
		case IndicatorRunning:
			msg = browser.IndicatorMessage{Kind: browser.ShowRunning}
		case IndicatorPassive:
			if c.registry.dismissed[meta.LiveGroupID] {
				return
			}
			msg = browser.IndicatorMessage{Kind: browser.ShowPassive}
		default:
			msg = browser.IndicatorMessage{Kind: browser.RestoreAfterToolUse}
		}
		msg.RemoteSession = member.AutomationClient
		dispatch = true
	})
	if dispatch {
		c.queue(tab, msg)
	}
}

// queue records the latest intent for a tab and (re)arms the shared timer.
func (c *Coordinator) queue(tab browser.TabID, msg browser.IndicatorMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[tab] = msg
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.Flush)
}

// Flush drains all pending updates in one pass, translating each tab's final
// pending state into exactly one dispatched message. Normally driven by the
// debounce timer; exported so embedders and tests can force a synchronous
// drain.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = make(map[browser.TabID]browser.IndicatorMessage)
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx := context.Background()
	for tab, msg := range batch {
		c.registry.withMember(tab, func(_ *GroupMetadata, member *MemberState) {
			member.PendingUpdate = false
		})
		if err := c.notifier.Notify(ctx, tab, msg); err != nil {
			// Best-effort: the surface may not be loaded yet. It will
			// self-correct on the next flush or page load.
			c.log.Debugf("indicator dispatch to tab %d failed: %v", tab, err)
		}
	}
}

// Stop cancels any armed debounce timer and flushes outstanding intent.
func (c *Coordinator) Stop() {
	c.Flush()
}

// NotifyDirect sends a message to a tab outside the debounce path, for tabs
// that are no longer tracked (e.g. hiding the marker on an evicted member).
// Best-effort.
func (c *Coordinator) NotifyDirect(ctx context.Context, tab browser.TabID, msg browser.IndicatorMessage) {
	if err := c.notifier.Notify(ctx, tab, msg); err != nil {
		c.log.Debugf("indicator dispatch to tab %d failed: %v", tab, err)
	}
}

// NotifyWithRetry sends a message, retrying a few times with a short delay
// for surfaces that have not finished loading.
func (c *Coordinator) NotifyWithRetry(ctx context.Context, tab browser.TabID, msg browser.IndicatorMessage) {
	var err error
	for attempt := 0; attempt < showIndicatorAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(showIndicatorRetryDelay):
			case <-ctx.Done():
				return
			}
		}
		if err = c.notifier.Notify(ctx, tab, msg); err == nil {
			return
		}
	}
	c.log.Debugf("indicator dispatch to tab %d failed after %d attempts: %v", tab, showIndicatorAttempts, err)
}

// messageFor translates an internal state transition into the surface
// message expressing it.
func messageFor(previous, next IndicatorState) browser.IndicatorMessage {
	switch next {
	case IndicatorRunning:
		return browser.IndicatorMessage{Kind: browser.ShowRunning}
	case IndicatorPassive:
		return browser.IndicatorMessage{Kind: browser.ShowPassive}
	case IndicatorSuppressed:
		return browser.IndicatorMessage{Kind: browser.SuppressForToolUse}
	default:
		if previous == IndicatorPassive {
			return browser.IndicatorMessage{Kind: browser.HidePassive}
		}
		return browser.IndicatorMessage{Kind: browser.HideRunning}
	}
}

package tabgroups

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/classify"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// GroupClassificationStatus is the cached content-safety aggregate for one
// live group: the per-tab categories and the single worst label among them.
type GroupClassificationStatus struct {
	LiveGroupID     browser.GroupID
	WorstCategory   classify.Category
	CategoryByTab   map[browser.TabID]classify.Category
	HardBlockedTabs map[browser.TabID]struct{}
	LastCheckedAt   time.Time

	// previousWorst is the last aggregate listeners were told about,
	// used to fire change notifications exactly once.
	previousWorst classify.Category
}

func (s *GroupClassificationStatus) copyOf() *GroupClassificationStatus {
	out := &GroupClassificationStatus{
		LiveGroupID:     s.LiveGroupID,
		WorstCategory:   s.WorstCategory,
		CategoryByTab:   make(map[browser.TabID]classify.Category, len(s.CategoryByTab)),
		HardBlockedTabs: make(map[browser.TabID]struct{}, len(s.HardBlockedTabs)),
		LastCheckedAt:   s.LastCheckedAt,
	}
	for tab, cat := range s.CategoryByTab {
		out.CategoryByTab[tab] = cat
	}
	for tab := range s.HardBlockedTabs {
		out.HardBlockedTabs[tab] = struct{}{}
	}
	return out
}

// ClassificationCache tracks per-tab content categories and a worst-case
// aggregate per group. It is a derived cache, not a source of truth: entries
// may be dropped and recomputed at any time. Listeners are notified exactly
// once per change of a group's aggregate, not once per contributing tab.
type ClassificationCache struct {
	classifier classify.Classifier // may be nil: treated as unavailable
	registry   *Registry
	tabs       browser.TabAPI
	freshness  time.Duration
	log        *logging.Logger

	mu        sync.Mutex
	statuses  map[browser.GroupID]*GroupClassificationStatus
	listeners []func(browser.GroupID, classify.Category)

	now func() time.Time
}

// NewClassificationCache creates a cache over the injected classifier.
// A nil classifier means every lookup yields CategoryUnclassified.
func NewClassificationCache(classifier classify.Classifier, registry *Registry, tabs browser.TabAPI, freshness time.Duration, log *logging.Logger) *ClassificationCache {
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	return &ClassificationCache{
		classifier: classifier,
		registry:   registry,
		tabs:       tabs,
		freshness:  freshness,
		log:        log,
		statuses:   make(map[browser.GroupID]*GroupClassificationStatus),
		now:        time.Now,
	}
}

// OnAggregateChange registers a listener invoked whenever a group's worst
// category changes.
func (c *ClassificationCache) OnAggregateChange(fn func(browser.GroupID, classify.Category)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ClassifyTab classifies a tab's URL and folds the result into the group's
// aggregate. Classifier failures degrade to CategoryUnclassified.
func (c *ClassificationCache) ClassifyTab(ctx context.Context, liveID browser.GroupID, tab browser.TabID, rawURL string) classify.Category {
	category := c.lookup(ctx, rawURL)
	c.setTabCategory(liveID, tab, category)
	return category
}

// RemoveTab drops a tab's category from its group and recomputes the
// aggregate.
func (c *ClassificationCache) RemoveTab(liveID browser.GroupID, tab browser.TabID) {
	c.mu.Lock()
	status, ok := c.statuses[liveID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(status.CategoryByTab, tab)
	delete(status.HardBlockedTabs, tab)
	c.recomputeLocked(status)
	notify, worst := c.takeChangeLocked(status)
	c.mu.Unlock()

	c.notify(notify, liveID, worst)
}

// DropGroup forgets everything cached for a live group id.
func (c *ClassificationCache) DropGroup(liveID browser.GroupID) {
	c.mu.Lock()
	delete(c.statuses, liveID)
	c.mu.Unlock()
}

// Status returns the group's classification aggregate, rescanning members
// when the cached value is older than the freshness window.
func (c *ClassificationCache) Status(ctx context.Context, liveID browser.GroupID) *GroupClassificationStatus {
	c.mu.Lock()
	status, ok := c.statuses[liveID]
	if ok && c.now().Sub(status.LastCheckedAt) < c.freshness {
		out := status.copyOf()
		c.mu.Unlock()
		return out
	}
	c.mu.Unlock()

	return c.Rescan(ctx, liveID)
}

// Rescan rebuilds the group's aggregate from scratch by classifying every
// tracked member's current URL.
func (c *ClassificationCache) Rescan(ctx context.Context, liveID browser.GroupID) *GroupClassificationStatus {
	members := c.registry.GetMembers(liveID)

	byTab := make(map[browser.TabID]classify.Category, len(members))
	for _, tab := range members {
		info, err := c.tabs.Get(ctx, tab)
		if err != nil {
			continue
		}
		byTab[tab] = c.lookup(ctx, info.URL)
	}

	c.mu.Lock()
	status, ok := c.statuses[liveID]
	if !ok {
		status = &GroupClassificationStatus{
			LiveGroupID:     liveID,
			WorstCategory:   classify.CategoryUnclassified,
			CategoryByTab:   make(map[browser.TabID]classify.Category),
			HardBlockedTabs: make(map[browser.TabID]struct{}),
		}
		c.statuses[liveID] = status
	}
	status.CategoryByTab = byTab
	status.HardBlockedTabs = make(map[browser.TabID]struct{})
	for tab, cat := range byTab {
		if cat.IsHardBlocked() {
			status.HardBlockedTabs[tab] = struct{}{}
		}
	}
	c.recomputeLocked(status)
	status.LastCheckedAt = c.now()
	out := status.copyOf()
	notify, worst := c.takeChangeLocked(status)
	c.mu.Unlock()

	c.notify(notify, liveID, worst)
	return out
}

// lookup consults the injected classifier, degrading to unclassified when it
// is unavailable or fails.
func (c *ClassificationCache) lookup(ctx context.Context, rawURL string) classify.Category {
	if c.classifier == nil {
		return classify.CategoryUnclassified
	}
	category, err := c.classifier.Classify(ctx, rawURL)
	if err != nil {
		c.log.Debugf("classification of %q failed: %v", rawURL, err)
		return classify.CategoryUnclassified
	}
	return category
}

func (c *ClassificationCache) setTabCategory(liveID browser.GroupID, tab browser.TabID, category classify.Category) {
	c.mu.Lock()
	status, ok := c.statuses[liveID]
	if !ok {
		status = &GroupClassificationStatus{
			LiveGroupID:     liveID,
			WorstCategory:   classify.CategoryUnclassified,
			CategoryByTab:   make(map[browser.TabID]classify.Category),
			HardBlockedTabs: make(map[browser.TabID]struct{}),
		}
		c.statuses[liveID] = status
	}
	if status.CategoryByTab[tab] == category {
		status.LastCheckedAt = c.now()
		c.mu.Unlock()
		return
	}
	status.CategoryByTab[tab] = category
	if category.IsHardBlocked() {
		status.HardBlockedTabs[tab] = struct{}{}
	} else {
		delete(status.HardBlockedTabs, tab)
	}
	c.recomputeLocked(status)
	status.LastCheckedAt = c.now()
	notify, worst := c.takeChangeLocked(status)
	c.mu.Unlock()

	c.notify(notify, liveID, worst)
}

// recomputeLocked recomputes the worst category from the per-tab table.
// Caller holds the lock.
func (c *ClassificationCache) recomputeLocked(status *GroupClassificationStatus) {
	worst := classify.CategoryUnclassified
	for _, cat := range status.CategoryByTab {
		worst = classify.Worst(worst, cat)
	}
	status.previousWorst = status.WorstCategory
	status.WorstCategory = worst
}

// takeChangeLocked reports whether the last recompute changed the aggregate.
func (c *ClassificationCache) takeChangeLocked(status *GroupClassificationStatus) ([]func(browser.GroupID, classify.Category), classify.Category) {
	if status.WorstCategory == status.previousWorst {
		return nil, status.WorstCategory
	}
	status.previousWorst = status.WorstCategory
	listeners := make([]func(browser.GroupID, classify.Category), len(c.listeners))
	copy(listeners, c.listeners)
	return listeners, status.WorstCategory
}

func (c *ClassificationCache) notify(listeners []func(browser.GroupID, classify.Category), liveID browser.GroupID, worst classify.Category) {
	for _, fn := range listeners {
		fn(liveID, worst)
	}
}

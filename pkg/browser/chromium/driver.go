// Package chromium implements the engine's browser surface on a local
// Chromium instance driven through Playwright.
//
// Pages stand in for tabs. Headless Chromium exposes no native tab strip, so
// the driver owns the live-group id space itself, minting a fresh id on
// every group creation and discarding a group as soon as its last member
// leaves — exactly the id instability the engine's registry is built to
// tolerate.
package chromium

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// Options configures the local driver.
type Options struct {
	// Headless controls whether the browser runs without a visible window.
	Headless bool
}

// Driver implements browser.Driver over playwright-go.
type Driver struct {
	log     *logging.Logger
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext

	mu           sync.Mutex
	tabs         map[browser.TabID]*tab
	groups       map[browser.GroupID]*groupRecord
	listeners    map[int]func(browser.TabEvent)
	nextTabID    browser.TabID
	nextGroupID  browser.GroupID
	nextListener int
	nextTabIndex int
}

type tab struct {
	id     browser.TabID
	page   playwright.Page
	group  browser.GroupID
	index  int
	status string
}

type groupRecord struct {
	id        browser.GroupID
	title     string
	color     browser.GroupColor
	collapsed bool
}

var _ browser.Driver = (*Driver)(nil)

// NewDriver installs (if needed) and starts Playwright, launches Chromium
// and creates a fresh browser context.
func NewDriver(opts Options) (*Driver, error) {
	log, _ := logging.NewLogger("chromium")

	// Discard playwright's own output so it cannot interfere with the host.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	chromiumBrowser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browserContext, err := chromiumBrowser.NewContext()
	if err != nil {
		chromiumBrowser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	return &Driver{
		log:         log,
		pw:          pw,
		browser:     chromiumBrowser,
		context:     browserContext,
		tabs:        make(map[browser.TabID]*tab),
		groups:      make(map[browser.GroupID]*groupRecord),
		listeners:   make(map[int]func(browser.TabEvent)),
		nextTabID:   1,
		nextGroupID: 1,
	}, nil
}

// OpenTab creates a new page and, if url is non-empty, navigates there.
func (d *Driver) OpenTab(_ context.Context, url string) (browser.TabID, error) {
	page, err := d.context.NewPage()
	if err != nil {
		return 0, fmt.Errorf("failed to create page: %w", err)
	}

	d.mu.Lock()
	id := d.nextTabID
	d.nextTabID++
	t := &tab{
		id:     id,
		page:   page,
		group:  browser.GroupNone,
		index:  d.nextTabIndex,
		status: "loading",
	}
	d.nextTabIndex++
	d.tabs[id] = t
	d.mu.Unlock()

	d.hookPage(id, page)

	if url != "" {
		if _, err := page.Goto(url); err != nil {
			d.log.Warnf("initial navigation of tab %d failed: %v", id, err)
		}
	}
	return id, nil
}

// CloseTab closes a page; the removal event flows through the page hook.
func (d *Driver) CloseTab(_ context.Context, id browser.TabID) error {
	d.mu.Lock()
	t, ok := d.tabs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
	}
	return t.page.Close()
}

// Navigate drives a tab to a URL.
func (d *Driver) Navigate(_ context.Context, id browser.TabID, url string) error {
	d.mu.Lock()
	t, ok := d.tabs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
	}
	if _, err := t.page.Goto(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// hookPage subscribes the driver to page lifecycle events and translates
// them into the engine's raw tab events.
func (d *Driver) hookPage(id browser.TabID, page playwright.Page) {
	page.OnFrameNavigated(func(frame playwright.Frame) {
		if frame.ParentFrame() != nil {
			return
		}
		d.setStatus(id, "loading")
		d.emit(browser.TabEvent{Kind: browser.TabURLChanged, TabID: id, URL: frame.URL()})
	})
	page.OnLoad(func(p playwright.Page) {
		d.setStatus(id, "complete")
		d.emit(browser.TabEvent{Kind: browser.TabStatusChanged, TabID: id, Status: "complete"})
		if title, err := p.Title(); err == nil {
			d.emit(browser.TabEvent{Kind: browser.TabTitleChanged, TabID: id, Title: title})
		}
	})
	page.OnClose(func(playwright.Page) {
		d.mu.Lock()
		t, ok := d.tabs[id]
		if ok {
			delete(d.tabs, id)
			d.dropEmptyGroupLocked(t.group)
		}
		d.mu.Unlock()
		if !ok {
			return
		}
		d.emit(browser.TabEvent{Kind: browser.TabRemoved, TabID: id})
	})
}

func (d *Driver) setStatus(id browser.TabID, status string) {
	d.mu.Lock()
	if t, ok := d.tabs[id]; ok {
		t.status = status
	}
	d.mu.Unlock()
}

// --- browser.TabAPI ------------------------------------------------------

// Get returns current tab state.
func (d *Driver) Get(_ context.Context, id browser.TabID) (browser.TabInfo, error) {
	d.mu.Lock()
	t, ok := d.tabs[id]
	d.mu.Unlock()
	if !ok {
		return browser.TabInfo{}, fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
	}
	return d.snapshot(t), nil
}

// List returns all tabs in index order.
func (d *Driver) List(_ context.Context) ([]browser.TabInfo, error) {
	d.mu.Lock()
	tabs := make([]*tab, 0, len(d.tabs))
	for _, t := range d.tabs {
		tabs = append(tabs, t)
	}
	d.mu.Unlock()

	for i := 1; i < len(tabs); i++ {
		for j := i; j > 0 && tabs[j].index < tabs[j-1].index; j-- {
			tabs[j], tabs[j-1] = tabs[j-1], tabs[j]
		}
	}
	infos := make([]browser.TabInfo, len(tabs))
	for i, t := range tabs {
		infos[i] = d.snapshot(t)
	}
	return infos, nil
}

func (d *Driver) snapshot(t *tab) browser.TabInfo {
	title, _ := t.page.Title()
	return browser.TabInfo{
		ID:      t.id,
		Index:   t.index,
		GroupID: t.group,
		URL:     t.page.URL(),
		Title:   title,
		Status:  t.status,
	}
}

// --- browser.GroupAPI ----------------------------------------------------

// Group places tabs into an existing or fresh driver-owned group.
func (d *Driver) Group(_ context.Context, tabIDs []browser.TabID, opts browser.GroupOptions) (browser.GroupID, error) {
	d.mu.Lock()
	target := opts.GroupID
	if target == browser.GroupNone {
		target = d.nextGroupID
		d.nextGroupID++
		d.groups[target] = &groupRecord{id: target, color: browser.ColorGrey}
	} else if _, ok := d.groups[target]; !ok {
		d.mu.Unlock()
		return browser.GroupNone, fmt.Errorf("group %d: %w", target, browser.ErrNoSuchGroup)
	}

	events := make([]browser.TabEvent, 0, len(tabIDs))
	for _, id := range tabIDs {
		t, ok := d.tabs[id]
		if !ok {
			d.mu.Unlock()
			return browser.GroupNone, fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
		}
		if t.group == target {
			continue
		}
		old := t.group
		t.group = target
		d.dropEmptyGroupLocked(old)
		events = append(events, browser.TabEvent{Kind: browser.TabGroupChanged, TabID: id, GroupID: target})
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.emit(ev)
	}
	return target, nil
}

// Ungroup removes tabs from their groups.
func (d *Driver) Ungroup(_ context.Context, tabIDs []browser.TabID) error {
	d.mu.Lock()
	events := make([]browser.TabEvent, 0, len(tabIDs))
	for _, id := range tabIDs {
		t, ok := d.tabs[id]
		if !ok || t.group == browser.GroupNone {
			continue
		}
		old := t.group
		t.group = browser.GroupNone
		d.dropEmptyGroupLocked(old)
		events = append(events, browser.TabEvent{Kind: browser.TabGroupChanged, TabID: id, GroupID: browser.GroupNone})
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.emit(ev)
	}
	return nil
}

// GetGroup returns a group's appearance.
func (d *Driver) GetGroup(_ context.Context, id browser.GroupID) (browser.GroupInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[id]
	if !ok {
		return browser.GroupInfo{}, fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	return browser.GroupInfo{ID: g.id, Title: g.title, Color: g.color, Collapsed: g.collapsed}, nil
}

// UpdateGroup applies appearance changes.
func (d *Driver) UpdateGroup(_ context.Context, id browser.GroupID, update browser.GroupUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[id]
	if !ok {
		return fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	if update.Title != nil {
		g.title = *update.Title
	}
	if update.Color != nil {
		g.color = *update.Color
	}
	if update.Collapsed != nil {
		g.collapsed = *update.Collapsed
	}
	return nil
}

// TabsInGroup returns the group's current members.
func (d *Driver) TabsInGroup(_ context.Context, id browser.GroupID) ([]browser.TabInfo, error) {
	d.mu.Lock()
	if _, ok := d.groups[id]; !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	members := make([]*tab, 0)
	for _, t := range d.tabs {
		if t.group == id {
			members = append(members, t)
		}
	}
	d.mu.Unlock()

	infos := make([]browser.TabInfo, len(members))
	for i, t := range members {
		infos[i] = d.snapshot(t)
	}
	return infos, nil
}

// dropEmptyGroupLocked discards a group once its last member leaves, the way
// the real browser does. Caller holds the lock. Returns the dropped id.
func (d *Driver) dropEmptyGroupLocked(id browser.GroupID) browser.GroupID {
	if id == browser.GroupNone {
		return browser.GroupNone
	}
	for _, t := range d.tabs {
		if t.group == id {
			return browser.GroupNone
		}
	}
	delete(d.groups, id)
	return id
}

// --- browser.TabEventSource ----------------------------------------------

// AddTabListener registers a raw event callback.
func (d *Driver) AddTabListener(fn func(browser.TabEvent)) (remove func()) {
	d.mu.Lock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Driver) emit(ev browser.TabEvent) {
	d.mu.Lock()
	fns := make([]func(browser.TabEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// --- browser.IndicatorNotifier -------------------------------------------

// indicatorScript hands the message to the page-side hook installed by the
// content surface. Pages without the hook count as not ready.
const indicatorScript = `(args) => {
	if (window.__tabwardenIndicator) {
		window.__tabwardenIndicator(args.kind, args.remote);
		return true;
	}
	return false;
}`

// Notify delivers an indicator message to the tab's page, best-effort.
func (d *Driver) Notify(_ context.Context, id browser.TabID, msg browser.IndicatorMessage) error {
	d.mu.Lock()
	t, ok := d.tabs[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
	}

	result, err := t.page.Evaluate(indicatorScript, map[string]interface{}{
		"kind":   string(msg.Kind),
		"remote": msg.RemoteSession,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", browser.ErrSurfaceNotReady, err)
	}
	if delivered, ok := result.(bool); !ok || !delivered {
		return fmt.Errorf("tab %d: %w", id, browser.ErrSurfaceNotReady)
	}
	return nil
}

// Close shuts the browser and Playwright down.
func (d *Driver) Close() error {
	if err := d.context.Close(); err != nil {
		d.log.Warnf("context close: %v", err)
	}
	if err := d.browser.Close(); err != nil {
		d.log.Warnf("browser close: %v", err)
	}
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

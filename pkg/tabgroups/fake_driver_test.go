package tabgroups

import (
	"context"
	"fmt"
	"sync"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// notifyRecord is one captured indicator dispatch.
type notifyRecord struct {
	tab browser.TabID
	msg browser.IndicatorMessage
}

// fakeDriver is an in-memory browser.Driver. Group and Notify failures can
// be scripted per call. Events are emitted synchronously after the driver's
// own lock is released, so handlers may call back into the driver.
type fakeDriver struct {
	mu        sync.Mutex
	tabs      map[browser.TabID]browser.TabInfo
	groups    map[browser.GroupID]browser.GroupInfo
	nextGroup browser.GroupID

	listeners    map[int]func(browser.TabEvent)
	nextListener int

	// groupErrs is consumed one entry per Group call; a nil entry means
	// the call succeeds.
	groupErrs  []error
	groupCalls int

	// notifyFailures fails the next N Notify calls with ErrSurfaceNotReady.
	notifyFailures int
	notified       []notifyRecord

	// emitOnGroup mirrors the real browser: successful Group/Ungroup calls
	// produce TabGroupChanged events.
	emitOnGroup bool
}

var _ browser.Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		tabs:      make(map[browser.TabID]browser.TabInfo),
		groups:    make(map[browser.GroupID]browser.GroupInfo),
		nextGroup: 100,
		listeners: make(map[int]func(browser.TabEvent)),
	}
}

func (f *fakeDriver) addTab(id browser.TabID, url string, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[id] = browser.TabInfo{ID: id, Index: index, GroupID: browser.GroupNone, URL: url, Status: "complete"}
}

func (f *fakeDriver) setTabGroup(id browser.TabID, group browser.GroupID) {
	f.mu.Lock()
	info := f.tabs[id]
	info.GroupID = group
	f.tabs[id] = info
	f.mu.Unlock()
}

func (f *fakeDriver) setTabURL(id browser.TabID, url string) {
	f.mu.Lock()
	info := f.tabs[id]
	info.URL = url
	f.tabs[id] = info
	f.mu.Unlock()
}

func (f *fakeDriver) removeTab(id browser.TabID) {
	f.mu.Lock()
	delete(f.tabs, id)
	f.mu.Unlock()
}

func (f *fakeDriver) queueGroupErrs(errs ...error) {
	f.mu.Lock()
	f.groupErrs = append(f.groupErrs, errs...)
	f.mu.Unlock()
}

func (f *fakeDriver) failNextNotifies(n int) {
	f.mu.Lock()
	f.notifyFailures = n
	f.mu.Unlock()
}

func (f *fakeDriver) notifications() []notifyRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notifyRecord, len(f.notified))
	copy(out, f.notified)
	return out
}

func (f *fakeDriver) notificationsFor(tab browser.TabID) []browser.IndicatorMessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []browser.IndicatorMessageKind
	for _, rec := range f.notified {
		if rec.tab == tab {
			kinds = append(kinds, rec.msg.Kind)
		}
	}
	return kinds
}

func (f *fakeDriver) clearNotifications() {
	f.mu.Lock()
	f.notified = nil
	f.mu.Unlock()
}

func (f *fakeDriver) groupCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groupCalls
}

func (f *fakeDriver) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// emit delivers an event to all listeners, outside the driver lock.
func (f *fakeDriver) emit(ev browser.TabEvent) {
	f.mu.Lock()
	fns := make([]func(browser.TabEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeDriver) Get(_ context.Context, id browser.TabID) (browser.TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.tabs[id]
	if !ok {
		return browser.TabInfo{}, fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
	}
	return info, nil
}

func (f *fakeDriver) List(_ context.Context) ([]browser.TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]browser.TabInfo, 0, len(f.tabs))
	for _, info := range f.tabs {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeDriver) Group(_ context.Context, tabIDs []browser.TabID, opts browser.GroupOptions) (browser.GroupID, error) {
	f.mu.Lock()
	f.groupCalls++
	if len(f.groupErrs) > 0 {
		err := f.groupErrs[0]
		f.groupErrs = f.groupErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return browser.GroupNone, err
		}
	}

	target := opts.GroupID
	if target == browser.GroupNone {
		target = f.nextGroup
		f.nextGroup++
		f.groups[target] = browser.GroupInfo{ID: target, Color: browser.ColorGrey}
	} else if _, ok := f.groups[target]; !ok {
		f.mu.Unlock()
		return browser.GroupNone, fmt.Errorf("group %d: %w", target, browser.ErrNoSuchGroup)
	}

	var events []browser.TabEvent
	for _, id := range tabIDs {
		info, ok := f.tabs[id]
		if !ok {
			f.mu.Unlock()
			return browser.GroupNone, fmt.Errorf("tab %d: %w", id, browser.ErrNoSuchTab)
		}
		info.GroupID = target
		f.tabs[id] = info
		if f.emitOnGroup {
			events = append(events, browser.TabEvent{Kind: browser.TabGroupChanged, TabID: id, GroupID: target})
		}
	}
	f.mu.Unlock()

	for _, ev := range events {
		f.emit(ev)
	}
	return target, nil
}

func (f *fakeDriver) Ungroup(_ context.Context, tabIDs []browser.TabID) error {
	f.mu.Lock()
	var events []browser.TabEvent
	for _, id := range tabIDs {
		info, ok := f.tabs[id]
		if !ok || info.GroupID == browser.GroupNone {
			continue
		}
		info.GroupID = browser.GroupNone
		f.tabs[id] = info
		if f.emitOnGroup {
			events = append(events, browser.TabEvent{Kind: browser.TabGroupChanged, TabID: id, GroupID: browser.GroupNone})
		}
	}
	f.mu.Unlock()

	for _, ev := range events {
		f.emit(ev)
	}
	return nil
}

func (f *fakeDriver) GetGroup(_ context.Context, id browser.GroupID) (browser.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.groups[id]
	if !ok {
		return browser.GroupInfo{}, fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	return info, nil
}

func (f *fakeDriver) UpdateGroup(_ context.Context, id browser.GroupID, update browser.GroupUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.groups[id]
	if !ok {
		return fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	if update.Title != nil {
		info.Title = *update.Title
	}
	if update.Color != nil {
		info.Color = *update.Color
	}
	if update.Collapsed != nil {
		info.Collapsed = *update.Collapsed
	}
	f.groups[id] = info
	return nil
}

func (f *fakeDriver) TabsInGroup(_ context.Context, id browser.GroupID) ([]browser.TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[id]; !ok {
		return nil, fmt.Errorf("group %d: %w", id, browser.ErrNoSuchGroup)
	}
	var out []browser.TabInfo
	for _, info := range f.tabs {
		if info.GroupID == id {
			out = append(out, info)
		}
	}
	return out, nil
}

func (f *fakeDriver) AddTabListener(fn func(browser.TabEvent)) (remove func()) {
	f.mu.Lock()
	id := f.nextListener
	f.nextListener++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeDriver) Notify(_ context.Context, tab browser.TabID, msg browser.IndicatorMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyFailures > 0 {
		f.notifyFailures--
		return fmt.Errorf("tab %d: %w", tab, browser.ErrSurfaceNotReady)
	}
	f.notified = append(f.notified, notifyRecord{tab: tab, msg: msg})
	return nil
}

// memStore is an in-memory storage.KV with an optional scripted failure.
type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	setErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok, nil
}

func (m *memStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Close() error { return nil }

// testLogger returns a logger for test components.
func testLogger(component string) *logging.Logger {
	log, _ := logging.NewLogger(component)
	return log
}

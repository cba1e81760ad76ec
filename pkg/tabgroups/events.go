package tabgroups

import (
	"sync"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// Bus is a ref-counted multiplexer over the driver's raw per-tab events.
// The underlying driver listener is registered lazily when the first
// subscription is added and removed again when the last one is cancelled,
// so an idle engine costs the driver nothing.
type Bus struct {
	mu     sync.Mutex
	source browser.TabEventSource
	subs   map[int]*subscription
	nextID int
	detach func()
	log    *logging.Logger
}

type subscription struct {
	tab     browser.TabID
	all     bool
	handler func(browser.TabEvent)
}

// NewBus creates a bus over the given raw event source.
func NewBus(source browser.TabEventSource, log *logging.Logger) *Bus {
	return &Bus{
		source: source,
		subs:   make(map[int]*subscription),
		log:    log,
	}
}

// SubscribeTab delivers events for a single tab to handler. The returned
// function cancels the subscription and is safe to call more than once.
func (b *Bus) SubscribeTab(tab browser.TabID, handler func(browser.TabEvent)) (cancel func()) {
	return b.subscribe(&subscription{tab: tab, handler: handler})
}

// SubscribeAll delivers every tab event to handler.
func (b *Bus) SubscribeAll(handler func(browser.TabEvent)) (cancel func()) {
	return b.subscribe(&subscription{all: true, handler: handler})
}

func (b *Bus) subscribe(sub *subscription) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	// Lazy listener registration: only attach to the raw source while at
	// least one subscriber exists.
	if b.detach == nil {
		b.detach = b.source.AddTabListener(b.dispatch)
		b.log.Debugf("attached raw tab listener")
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	if len(b.subs) == 0 && b.detach != nil {
		b.detach()
		b.detach = nil
		b.log.Debugf("detached raw tab listener")
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// dispatch fans one raw event out to every matching subscription. Handlers
// run outside the bus lock so they may subscribe or cancel freely.
func (b *Bus) dispatch(ev browser.TabEvent) {
	b.mu.Lock()
	matched := make([]func(browser.TabEvent), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.all || sub.tab == ev.TabID {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, handler := range matched {
		handler(ev)
	}
}

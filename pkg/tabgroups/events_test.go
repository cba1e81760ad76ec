package tabgroups

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entrhq/tabwarden/pkg/browser"
)

func newTestBus(t *testing.T) (*Bus, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	return NewBus(driver, testLogger("bus-test")), driver
}

func TestBusLazyAttachDetach(t *testing.T) {
	bus, driver := newTestBus(t)
	assert.Equal(t, 0, driver.listenerCount())

	cancelA := bus.SubscribeAll(func(browser.TabEvent) {})
	assert.Equal(t, 1, driver.listenerCount())

	cancelB := bus.SubscribeTab(1, func(browser.TabEvent) {})
	// One raw listener serves any number of subscriptions.
	assert.Equal(t, 1, driver.listenerCount())
	assert.Equal(t, 2, bus.SubscriberCount())

	cancelA()
	assert.Equal(t, 1, driver.listenerCount())

	cancelB()
	assert.Equal(t, 0, driver.listenerCount())
	assert.Equal(t, 0, bus.SubscriberCount())

	// Cancel functions are safe to call again.
	cancelA()
	cancelB()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusTabFiltering(t *testing.T) {
	bus, driver := newTestBus(t)

	var forTab1, forAll []browser.TabEvent
	cancel1 := bus.SubscribeTab(1, func(ev browser.TabEvent) { forTab1 = append(forTab1, ev) })
	defer cancel1()
	cancelAll := bus.SubscribeAll(func(ev browser.TabEvent) { forAll = append(forAll, ev) })
	defer cancelAll()

	driver.emit(browser.TabEvent{Kind: browser.TabURLChanged, TabID: 1, URL: "https://a.test"})
	driver.emit(browser.TabEvent{Kind: browser.TabURLChanged, TabID: 2, URL: "https://b.test"})

	assert.Len(t, forTab1, 1)
	assert.Equal(t, browser.TabID(1), forTab1[0].TabID)
	assert.Len(t, forAll, 2)
}

func TestBusHandlerMaySubscribe(t *testing.T) {
	bus, driver := newTestBus(t)

	// Handlers run outside the bus lock, so subscribing from inside a
	// handler must not deadlock.
	var nested bool
	cancel := bus.SubscribeAll(func(browser.TabEvent) {
		if !nested {
			nested = true
			inner := bus.SubscribeTab(2, func(browser.TabEvent) {})
			inner()
		}
	})
	defer cancel()

	driver.emit(browser.TabEvent{Kind: browser.TabActivated, TabID: 1})
	assert.True(t, nested)
}

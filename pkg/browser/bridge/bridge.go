// Package bridge implements the engine's browser surface over a WebSocket
// connection to an in-browser extension. The extension holds the real tab
// and group APIs; this side issues requests and relays the event stream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// defaultCallTimeout bounds a single request round-trip when the caller's
// context carries no deadline of its own.
const defaultCallTimeout = 10 * time.Second

// request is one outbound call to the extension.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// envelope is any inbound frame: a response to a call, or a pushed event.
type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Bridge implements browser.Driver against a connected extension.
type Bridge struct {
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pending   map[int64]chan envelope
	listeners map[int]func(browser.TabEvent)

	nextCall     int64
	nextListener int
}

var _ browser.Driver = (*Bridge)(nil)

// New creates a bridge with no extension attached yet. Calls made before an
// extension connects fail with ErrSurfaceNotReady.
func New() *Bridge {
	log, _ := logging.NewLogger("bridge")
	return &Bridge{
		log: log,
		upgrader: websocket.Upgrader{
			// The extension connects from an extension origin, not ours.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending:   make(map[int64]chan envelope),
		listeners: make(map[int]func(browser.TabEvent)),
	}
}

// Handler returns the HTTP handler the extension connects to. A new
// connection replaces any previous one.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warnf("upgrade failed: %v", err)
			return
		}

		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
		}
		b.conn = conn
		b.mu.Unlock()

		b.log.Infof("extension connected from %s", r.RemoteAddr)
		go b.readLoop(conn)
	})
}

// Connected reports whether an extension is currently attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			b.dropConn(conn, err)
			return
		}
		switch {
		case env.Event != "":
			b.handleEvent(env)
		case env.ID != 0:
			b.mu.Lock()
			ch, ok := b.pending[env.ID]
			if ok {
				delete(b.pending, env.ID)
			}
			b.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

// dropConn clears the connection and fails every in-flight call.
func (b *Bridge) dropConn(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	stranded := b.pending
	b.pending = make(map[int64]chan envelope)
	b.mu.Unlock()

	b.log.Warnf("extension disconnected: %v", err)
	for _, ch := range stranded {
		ch <- envelope{Error: "connection lost"}
	}
	conn.Close()
}

// call performs one request/response round-trip with the extension.
func (b *Bridge) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		raw = encoded
	}

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", method, browser.ErrSurfaceNotReady)
	}
	b.nextCall++
	id := b.nextCall
	ch := make(chan envelope, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	err := conn.WriteJSON(request{ID: id, Method: method, Params: raw})
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("%s: write failed: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	select {
	case env := <-ch:
		if env.Error != "" {
			return fmt.Errorf("%s: %w", method, mapError(env.Error))
		}
		if result != nil && env.Result != nil {
			if err := json.Unmarshal(env.Result, result); err != nil {
				return fmt.Errorf("%s: bad result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// mapError turns extension error strings into the sentinel errors the engine
// branches on. The strings come from the browser's own API failures, so the
// match is by substring.
func mapError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "dragging"):
		return fmt.Errorf("%s: %w", msg, browser.ErrTabDragInProgress)
	case strings.Contains(lower, "cannot be edited"):
		return fmt.Errorf("%s: %w", msg, browser.ErrTitleBeingEdited)
	case strings.Contains(lower, "no tab with id"):
		return fmt.Errorf("%s: %w", msg, browser.ErrNoSuchTab)
	case strings.Contains(lower, "no group with id"):
		return fmt.Errorf("%s: %w", msg, browser.ErrNoSuchGroup)
	default:
		return fmt.Errorf("extension error: %s", msg)
	}
}

// handleEvent relays a pushed tab event to subscribers.
func (b *Bridge) handleEvent(env envelope) {
	var payload struct {
		TabID   browser.TabID   `json:"tabId"`
		GroupID browser.GroupID `json:"groupId"`
		URL     string          `json:"url"`
		Title   string          `json:"title"`
		Status  string          `json:"status"`
	}
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			b.log.Warnf("bad event payload for %q: %v", env.Event, err)
			return
		}
	}

	var kind browser.TabEventKind
	switch env.Event {
	case "tab.urlChanged":
		kind = browser.TabURLChanged
	case "tab.statusChanged":
		kind = browser.TabStatusChanged
	case "tab.groupChanged":
		kind = browser.TabGroupChanged
	case "tab.titleChanged":
		kind = browser.TabTitleChanged
	case "tab.activated":
		kind = browser.TabActivated
	case "tab.removed":
		kind = browser.TabRemoved
	default:
		b.log.Debugf("ignoring unknown event %q", env.Event)
		return
	}

	ev := browser.TabEvent{
		Kind:    kind,
		TabID:   payload.TabID,
		GroupID: payload.GroupID,
		URL:     payload.URL,
		Title:   payload.Title,
		Status:  payload.Status,
	}

	b.mu.Lock()
	fns := make([]func(browser.TabEvent), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// --- browser.TabAPI ------------------------------------------------------

// Get fetches one tab's state from the extension.
func (b *Bridge) Get(ctx context.Context, id browser.TabID) (browser.TabInfo, error) {
	var info browser.TabInfo
	err := b.call(ctx, "tabs.get", map[string]interface{}{"tabId": id}, &info)
	return info, err
}

// List fetches all tabs.
func (b *Bridge) List(ctx context.Context) ([]browser.TabInfo, error) {
	var infos []browser.TabInfo
	err := b.call(ctx, "tabs.list", nil, &infos)
	return infos, err
}

// --- browser.GroupAPI ----------------------------------------------------

// Group asks the extension to group tabs, returning the resulting group id.
func (b *Bridge) Group(ctx context.Context, tabIDs []browser.TabID, opts browser.GroupOptions) (browser.GroupID, error) {
	params := map[string]interface{}{"tabIds": tabIDs}
	if opts.GroupID != browser.GroupNone {
		params["groupId"] = opts.GroupID
	}
	var result struct {
		GroupID browser.GroupID `json:"groupId"`
	}
	if err := b.call(ctx, "groups.group", params, &result); err != nil {
		return browser.GroupNone, err
	}
	return result.GroupID, nil
}

// Ungroup removes tabs from their groups.
func (b *Bridge) Ungroup(ctx context.Context, tabIDs []browser.TabID) error {
	return b.call(ctx, "groups.ungroup", map[string]interface{}{"tabIds": tabIDs}, nil)
}

// GetGroup fetches a group's appearance.
func (b *Bridge) GetGroup(ctx context.Context, id browser.GroupID) (browser.GroupInfo, error) {
	var info browser.GroupInfo
	err := b.call(ctx, "groups.get", map[string]interface{}{"groupId": id}, &info)
	return info, err
}

// UpdateGroup applies appearance changes. Only non-nil fields are sent.
func (b *Bridge) UpdateGroup(ctx context.Context, id browser.GroupID, update browser.GroupUpdate) error {
	params := map[string]interface{}{"groupId": id}
	if update.Title != nil {
		params["title"] = *update.Title
	}
	if update.Color != nil {
		params["color"] = *update.Color
	}
	if update.Collapsed != nil {
		params["collapsed"] = *update.Collapsed
	}
	return b.call(ctx, "groups.update", params, nil)
}

// TabsInGroup fetches the group's current members.
func (b *Bridge) TabsInGroup(ctx context.Context, id browser.GroupID) ([]browser.TabInfo, error) {
	var infos []browser.TabInfo
	err := b.call(ctx, "groups.tabs", map[string]interface{}{"groupId": id}, &infos)
	return infos, err
}

// --- browser.TabEventSource ----------------------------------------------

// AddTabListener registers a raw event callback.
func (b *Bridge) AddTabListener(fn func(browser.TabEvent)) (remove func()) {
	b.mu.Lock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// --- browser.IndicatorNotifier -------------------------------------------

// Notify forwards an indicator message to the extension.
func (b *Bridge) Notify(ctx context.Context, id browser.TabID, msg browser.IndicatorMessage) error {
	return b.call(ctx, "indicator.notify", map[string]interface{}{
		"tabId":  id,
		"kind":   msg.Kind,
		"remote": msg.RemoteSession,
	}, nil)
}

// Close drops the extension connection, if any.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

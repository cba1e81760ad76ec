package tabgroups

import (
	"context"
	"strings"
	"time"

	"github.com/entrhq/tabwarden/pkg/browser"
	"github.com/entrhq/tabwarden/pkg/logging"
)

// GroupStatus is the coarse progress state surfaced on a group's title as a
// single-glyph marker.
type GroupStatus string

const (
	StatusNone           GroupStatus = ""
	StatusInProgress     GroupStatus = "in_progress"
	StatusNeedsAttention GroupStatus = "needs_attention"
	StatusDone           GroupStatus = "done"
)

// statusGlyphs maps a status to the single glyph prefixed to the title.
var statusGlyphs = map[GroupStatus]string{
	StatusInProgress:     "◐",
	StatusNeedsAttention: "●",
	StatusDone:           "✓",
}

const (
	titleUpdateAttempts = 3
	titleUpdateBackoff  = 200 * time.Millisecond
)

// Labeler applies group title/color side effects. The human can rename or
// recolor a group at any moment, so every update is a read-modify-write with
// bounded backoff on transient rejection.
type Labeler struct {
	groups browser.GroupAPI
	log    *logging.Logger
}

// NewLabeler creates a labeler over the group API.
func NewLabeler(groups browser.GroupAPI, log *logging.Logger) *Labeler {
	return &Labeler{groups: groups, log: log}
}

// StyleNewGroup sets the initial title and color on a freshly created
// automation group.
func (l *Labeler) StyleNewGroup(ctx context.Context, id browser.GroupID, color browser.GroupColor, title string) error {
	update := browser.GroupUpdate{Title: &title, Color: &color}
	return l.updateWithRetry(ctx, id, func() (browser.GroupUpdate, error) { return update, nil })
}

// SetStatus replaces any status marker on the group's title with the glyph
// for status, leaving the rest of the title untouched. StatusNone strips the
// marker entirely.
func (l *Labeler) SetStatus(ctx context.Context, id browser.GroupID, status GroupStatus) error {
	return l.updateWithRetry(ctx, id, func() (browser.GroupUpdate, error) {
		info, err := l.groups.GetGroup(ctx, id)
		if err != nil {
			return browser.GroupUpdate{}, err
		}
		title := StripStatusMarker(info.Title)
		if glyph, ok := statusGlyphs[status]; ok && status != StatusNone {
			title = glyph + " " + title
		}
		return browser.GroupUpdate{Title: &title}, nil
	})
}

// updateWithRetry applies an update, re-reading current state on every
// attempt since the title can be edited by the human concurrently.
func (l *Labeler) updateWithRetry(ctx context.Context, id browser.GroupID, build func() (browser.GroupUpdate, error)) error {
	var err error
	for attempt := 0; attempt < titleUpdateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(titleUpdateBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var update browser.GroupUpdate
		update, err = build()
		if err == nil {
			err = l.groups.UpdateGroup(ctx, id, update)
		}
		if err == nil {
			return nil
		}
		if !browser.IsTransient(err) {
			return err
		}
		l.log.Debugf("group %d label update conflicted, retrying: %v", id, err)
	}
	return err
}

// StripStatusMarker removes any leading status glyph from a title.
func StripStatusMarker(title string) string {
	for {
		trimmed := strings.TrimLeft(title, " ")
		stripped := false
		for _, glyph := range statusGlyphs {
			if strings.HasPrefix(trimmed, glyph) {
				trimmed = strings.TrimLeft(strings.TrimPrefix(trimmed, glyph), " ")
				stripped = true
			}
		}
		if !stripped {
			return trimmed
		}
		title = trimmed
	}
}

// pickUnusedColor returns the first palette color not in use by another
// tracked group. With the palette exhausted it falls back to the first entry.
func pickUnusedColor(used map[browser.GroupColor]bool) browser.GroupColor {
	for _, color := range browser.Palette {
		if !used[color] {
			return color
		}
	}
	return browser.Palette[0]
}

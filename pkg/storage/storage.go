// Package storage provides the durable key-value areas the engine persists
// its state into. Two backends are available: a JSON file store and a SQLite
// store for installations that want a single database file. Durability is
// best-effort throughout — the in-memory engine state stays authoritative for
// the running process, and persistence failures are logged by callers and
// swallowed.
package storage

// KV is a small durable key-value area. Values are opaque serialized blobs.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool, error)

	// Set writes the value for key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases the backing resource.
	Close() error
}

// Well-known keys used by the engine.
const (
	// KeyGroups holds the serialized session registry.
	KeyGroups = "tab_groups"

	// KeyDismissedGroups holds the list of live group ids whose passive
	// indicators the human explicitly turned off.
	KeyDismissedGroups = "indicator_dismissed_groups"

	// KeyPinnedGroup pins a designated automation-owned live group id
	// across restarts.
	KeyPinnedGroup = "automation_group_id"
)

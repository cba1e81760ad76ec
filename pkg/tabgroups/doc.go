// Package tabgroups owns the mapping between automation sessions and live
// browser tab groups.
//
// An automation session is a cluster of related tabs grouped around one
// designated anchor tab. The browser's own tab-grouping feature is the
// human-visible face of that cluster, but the browser is not a resource this
// package fully controls: the human can drag a tab out of a group, close the
// anchor, or merge groups at any moment, and the browser's mutation APIs are
// asynchronous and occasionally transiently rejected. The package therefore
// runs as a control loop reconciling desired state (the session registry)
// against observed state (the live browser), with retryable and
// non-retryable failure classes.
//
// The package is organized as four cooperating components, all explicitly
// constructed and wired by Engine:
//
//   - Bus multiplexes the driver's raw per-tab events into opt-in
//     subscriptions, registering the underlying listener only while at least
//     one subscriber exists.
//   - Registry is the authoritative, persisted map from anchor tab to group
//     metadata and per-member indicator state.
//   - Reconciler watches group-membership events and repairs divergence,
//     including the bounded-retry regroup sequence when the human drags the
//     anchor out of its group.
//   - Coordinator computes the desired visual indicator per tab and
//     coalesces rapid updates into one debounced dispatch per tab.
//
// A ClassificationCache aggregates per-tab content-safety categories into a
// single worst-case label per group, notifying listeners only when the
// aggregate changes.
//
// Nothing in this package is fatal to the host process: every public
// operation degrades to "session metadata removed" or a no-op rather than
// propagating a failure upward.
package tabgroups

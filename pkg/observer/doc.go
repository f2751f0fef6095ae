// Package observer fans change notifications from a blackboard store out to
// many short-lived subscribers.
//
// # Overview
//
// A store reports changes through exactly one callback. The Table installs
// itself as that callback and keeps, per observed variable, the list of
// subscribers and the union of the flags they asked for. Only that union is
// armed on the store, so the store does a single mask test per change no
// matter how many widgets watch the variable.
//
// Each interested party holds a Handle:
//
//	h := observer.NewHandle(table, receiver)
//	defer h.Close()
//	h.Watch(vid, blackboard.ObserveValueChanged|blackboard.ObserveUnitChanged)
//
// Whole-table subscribers use WatchAll and receive the VIDs that exist at
// subscription time as a starting snapshot.
//
// # Opaque indices
//
// When arming a variable the table passes a token that identifies the
// variable's entry. The store hands the token back in every callback, which
// lets Notify reach the entry without a lookup. Tokens encode a stable slot
// index plus a generation; entries never move, a slot is released only after
// the store has been told to forget its token, and Notify still checks slot,
// generation and VID before forwarding. A token that fails these checks is
// counted in Stats.StaleDrops and dropped.
//
// # Error handling
//
// Nothing in this package returns an error to subscribers. Calls with
// unknown or closed handles, repeated subscriptions and unsubscriptions of
// variables never watched are no-ops; store failures while arming are logged.
package observer

// Package event implements the generic event bus shared by every piece of the
// connection/protocol-consumer core: a set of "one-time" events that resolve
// exactly once with a value or an error, and a set of "many-time" events that
// behave like an ordered pub/sub stream with no retained state.
//
// A one-time event is modeled as a [Cell]: the first [Cell.Fire] call wins,
// every later call is a no-op, and subscribers that attach after resolution are
// invoked immediately with the stored outcome. This is what lets
// [Handler.PopEvent] detach and re-attach a cell across two different buses
// without ever double-firing a subscriber — the mechanism the connection core
// relies on to implement protocol upgrades.
package event

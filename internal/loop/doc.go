// Package loop provides the serialized execution model of the session engine.
//
// All conversation, dialog, participant and timeline state is mutated from
// inside Loop.Do. Socket reads, timers and public API calls each enter through
// Do, so there is exactly one writer at a time and no component needs its own
// lock for that state.
//
// Scheduler abstracts deferred work (settle delays, zero-delay sends, expiry
// timers). Loop implements it on a benbjohnson/clock Clock; Manual implements
// it deterministically for tests and replays.
package loop

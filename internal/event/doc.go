// Package event provides the pub-sub bus the scheduler uses to announce
// session lifecycle changes.
//
// The scheduler, queue and process provider publish; the API's websocket
// stream and the logging of stuck kills subscribe. Publishers never learn who
// is listening.
//
// # Event Categories
//
// Session lifecycle:
//   - [SessionCreatedEvent], [SessionActivatedEvent], [SessionQueuedEvent]
//   - [SessionCompletedEvent], [SessionFailedEvent], [SessionDeletedEvent]
//
// Attention and suspension:
//   - [NeedsInputEvent]: an active session went idle
//   - [SuspendingEvent]: an idle session is being killed to free its slot
//   - [KillStuckEvent]: a kill request got no exit within the kill timeout
//
// Queue and settings:
//   - [DispatchDecidedEvent]: the queue picked a session for a free slot
//   - [SettingsChangedEvent]: maxConcurrentSessions changed
//
// [Encode] produces the JSON [Envelope] sent to websocket clients.
package event

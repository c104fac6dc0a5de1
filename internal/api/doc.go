// Package api exposes the scheduler over HTTP.
//
// Routes are JSON under /api, plus a WebSocket stream of scheduler events at
// /api/events. Scheduler errors map onto status codes as follows: invalid
// state is 409, configuration problems (unknown or unusable worker,
// disallowed path) are 422, missing sessions are 404 and bad input is 400.
package api

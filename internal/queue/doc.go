// Package queue holds the capacity and ordering rules of the scheduler.
//
// [Manager] decides, without mutating anything, whether a slot is free and
// which queued session should take it: the smallest position whose worker is
// usable and below its own ceiling, provided the global ceiling also has
// room. [RequeuePolicy] decides where a suspended session re-enters the
// queue, and [Ticker] re-runs admission on a fixed interval.
package queue

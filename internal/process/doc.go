// Package process starts and controls the interactive agent processes that
// back active sessions.
//
// A [Provider] returns a [Handle] as soon as the process has a pid and then
// reports output, idleness, delivered input and exit through an [EventSink]
// supplied with each start. Kill is only a request: the caller learns the
// outcome from EventSink.OnExited, exactly once per start.
//
// [PTYProvider] runs a configured command under a pseudo-terminal. A run
// that announces "session id: <token>" on its output and exits 0 reports that
// token as its continuation token. Continuation starts append the configured
// continue flag instead of passing the token.
package process

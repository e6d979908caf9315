// Package ipc implements the message channel between the orchestrator and
// its workers.
//
// Messages are JSON lines ([StreamTransport]) of four kinds: requests,
// responses, notifications and events. [Channel] assigns each request a
// uuid correlation id and resolves it with the matching response, so a
// worker may answer out of order. Unsolicited events are fanned out to
// subscribers.
//
// When a [Dialer] is configured, a broken transport is redialed with
// exponential backoff. Requests already in flight stay registered across the
// outage; sends attempted during it fail with ErrChannelDisconnected and are
// never replayed.
package ipc

package liveql

// Logging convention in the `liveql` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) session data that is useful for monitoring
//     this includes:
//     - auth and reconnect failures
//     - dropped malformed envelopes
// V(1):
//     session lifecycle events with ids that can be used to filter
//     - state transitions, subscription add/remove, transact round trips
// V(2):
//     per-envelope trace
//     - send, receive, ping, refresh fan-out

// glog is used directly; see transport.go and client.go.
// tests route glog to stderr via flags, see liveql_test.go.

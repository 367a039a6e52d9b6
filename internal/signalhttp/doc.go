// Package signalhttp exposes a record.Store over HTTP: a chi-routed server
// wrapping any backend store, and a client that implements record.Store
// against that server. Mutations are plain JSON endpoints mirroring the
// store's conditional-write semantics; change delivery is a websocket push
// stream with the poll endpoint as fallback.
package signalhttp

// Package negotiation wraps the pion PeerConnection behind the operation set
// the call engine needs: offer/answer creation, guarded application of remote
// descriptions, candidate handling with deferral until a remote description
// exists, ICE-restart support for the single automatic reconnection cycle,
// and a connectivity-state stream.
//
// Stale or duplicate remote descriptions are absorbed here: applying an
// answer when the local negotiation state no longer expects it is skipped
// and logged, never escalated.
package negotiation

// Package node assembles identity, sessions, handshakes, the DHT, delivery
// and liveness into one running agent endpoint.
//
// A Node owns exactly one of each component. Inbound bytes from the
// transport are parsed, rate limited and handed to a fixed pool of
// dispatch workers sharded by sender, so messages from one peer are
// processed in arrival order while a slow peer never blocks the receive
// loop. Application payloads are delivered on Messages in the order the
// session layer accepted them.
package node

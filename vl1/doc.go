// Package vl1 implements the virtual layer 1 node: a peer-to-peer transport core
// that moves authenticated, optionally encrypted packets between nodes addressed
// by 40-bit addresses derived from their cryptographic identities.
//
// A Node owns one identity and one physical Transport. Packets too large for the
// physical MTU are fragmented and reassembled, packets for other nodes are
// relayed, and packets from senders whose identity is not yet known wait in a
// WHOIS queue until a root answers. Sessions with forward secrecy and key
// ratcheting are layered on top of the static per-peer keys.
//
// The node keeps no timers of its own. Time is supplied in ticks (milliseconds)
// and housekeeping runs from OnInterval, which Run calls periodically.
package vl1

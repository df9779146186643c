// Package ratchet advances master secrets for rekeying.
//
// Each step replaces the master secret with a one-way derivative of itself, so a
// compromised key does not reveal traffic protected by earlier keys. Both ends of a
// session step in lockstep; the step counter travels with each message so the
// receiver knows which key the sender used.
package ratchet

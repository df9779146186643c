package crypto

import "runtime"

// Wipe overwrites b with zeros. It is not inlined and keeps b alive past the
// loop so the stores cannot be dropped as dead writes.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

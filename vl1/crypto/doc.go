// Package crypto provides the symmetric key machinery of the VL1 layer.
//
// Design goals:
//   - One 64-byte master secret per peer or session, expanded into labelled subkeys
//     with HKDF-SHA512 so that no subkey reveals another
//   - AES-GMAC-SIV authenticated encryption with a small pool of pre-keyed instances
//   - X25519 key agreement for identities and session handshakes
//   - Key material held in fixed-size buffers and wiped on destruction
package crypto

// Package supersocket provides message-oriented TCP sessions with optional
// transparent encryption.
//
// A session carries whole messages: every Send is delivered by exactly one
// Recv on the other side, however the network splits the bytes. Each
// message travels as a 4-byte big-endian length prefix followed by the
// payload.
//
// The server decides whether the session is encrypted. With Config.Encrypt
// set, it sends a public key right after accepting; the client replies with
// a random session key sealed to that public key, and both sides confirm
// the key before any application data flows. Without it nothing extra is
// sent and the client proceeds unencrypted. A pre-shared passphrase on both
// sides replaces the key exchange altogether.
//
// Basic usage:
//
//	// Server side
//	session, _ := supersocket.Serve(ctx, &supersocket.Config{Address: "0.0.0.0", Port: 1001, Encrypt: true})
//	defer session.Close()
//	session.Send([]byte("Can you hear me?"))
//
//	// Client side
//	session, _ := supersocket.Dial(ctx, &supersocket.Config{Address: "127.0.0.1", Port: 1001})
//	defer session.Close()
//	msg, _ := session.Recv()
//
// Security considerations:
// - X25519 sealed boxes by default, P-256 ECIES as an alternative
// - XChaCha20-Poly1305 or NaCl secretbox for payloads, random nonce per message
// - Peers are not authenticated; compare Session.KeyFingerprint out of band
package supersocket

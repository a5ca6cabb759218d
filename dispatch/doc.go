// Package dispatch coordinates one caller request end to end: session
// resolution, rate-limited admission, the upstream exchange with retry,
// backoff and the protocol-compatibility fallback, streamed reassembly and
// metrics accounting. Public methods are safe for concurrent use; each call
// chain is driven by a single goroutine.
package dispatch

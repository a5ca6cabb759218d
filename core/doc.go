// Package core provides the foundational domain types and interfaces used by
// poemux. It defines the core abstractions for:
//
//   - Messages (role-based content with a closed set of typed parts)
//   - Sessions (identifier-keyed conversational containers with bounded lifetime)
//   - The upstream client contract (plain and streamed queries, fragments, usage)
//   - The error taxonomy driving retry, fallback and circuit-breaker decisions
//
// The package intentionally keeps implementation concerns (stores, admission
// control, dispatch orchestration, provider adapters) out of scope, exposing
// small interfaces so the wiring layer decides which implementation to use.
package core

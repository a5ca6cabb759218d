// Package session houses the concrete implementation of core.SessionStore.
// The interface itself (and the Session struct) live in the core package to
// centralize domain contracts. Keeping only implementations here prevents
// higher level packages (dispatcher, operations) from depending on concrete
// storage.
//
// Sessions are in-memory only and lost on restart by design; there is no
// disk or cross-process persistence in this system.
package session

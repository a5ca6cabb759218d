// Package server exposes the proxy over HTTP: operation invocation, an SSE
// streaming variant of ask, and the health/metrics surface. Handlers are
// thin translations between the wire and the dispatcher; they hold no
// pipeline state of their own.
package server

// Package attachment stores uploaded files referenced by prompts.
//
// Attachments are immutable once saved and are addressed by an opaque
// id or the equivalent "attachment://<id>" URI. The store copies data
// on save and on read so callers cannot mutate stored bytes.
package attachment

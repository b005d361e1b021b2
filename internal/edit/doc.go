// Package edit orchestrates multi-location source edits driven by agent
// conversations.
//
// # Overview
//
// Given a set of discovered edit locations for one semantic operation, the
// orchestrator runs one conversation per location - sequentially in strict
// reverse discovery order, or in parallel when the backend supports
// concurrent sessions - and then applies every recorded result in a single
// coordinated batch.
//
// # Line-Number Safety
//
// Results are applied in reverse location order so a replacement that grows
// or shrinks a file can never shift the line numbers of a location that has
// not been applied yet. Each changed buffer is persisted exactly once after
// all replacements are in.
//
// # Failure Model
//
// A failed or cancelled location simply has no result recorded; it is
// skipped at application time and never aborts the batch.
package edit

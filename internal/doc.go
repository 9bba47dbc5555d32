// Package internal contains the implementation packages of docfactory.
//
// # Package Organization
//
//   - canonical: HTML canonicalization ahead of content hashing
//   - workspace: the extract/distill/output directory triple
//   - vcs: git plumbing and commit tree extraction
//   - renderer: the external document renderer
//   - pipeline: one commit in, one content-addressed artifact out
//   - manifest: the ordered JSON record of rendered commits
//   - factory: the INIT, POPULATING and WATCHING lifecycle
//   - watcher: branch ref change detection with debouncing
//   - hub: WebSocket viewers and refresh broadcasts
//   - server: HTTP surface for the viewer, manifest and artifacts
//   - config, logging, errors, validation, version: shared plumbing
//
// # Data Flow
//
// The factory asks vcs for commits, hands each one to the pipeline, and the
// pipeline appends to the manifest. Every manifest change notifies the hub,
// which tells connected viewers to reload. The server only reads what the
// pipeline has written.
package internal

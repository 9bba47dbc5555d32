// Package cmd provides the command-line interface for docfactory.
//
// # Available Commands
//
//   - serve: backfill the tracked document's history, watch the branch, and
//     serve artifacts plus live refresh notifications
//   - doctor: check prerequisites (git, renderer, repository, port)
//   - config: write or show the configuration
//   - version: print build information
//
// # Command Examples
//
//	// Render the last five distinct versions of a guide and keep watching
//	docfactory serve --file docs/guide.adoc --directory /tmp/factory
//
//	// Backfill only, then keep serving what was rendered
//	docfactory serve -f docs/guide.adoc -d /tmp/factory --once
//
//	// Write a default configuration file
//	docfactory config init
//
// # Configuration
//
// Settings come from flags, DOCFACTORY_<SECTION>_<KEY> environment variables,
// and .docfactory.yml, in that order of precedence.
package cmd

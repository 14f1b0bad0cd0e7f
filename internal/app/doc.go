// Package app wires application dependencies for the CLI.
//
// It builds the concrete storage backend, protocol managers and
// supporting services from Config, exposing them via the Wire struct for
// commands to use.
package app

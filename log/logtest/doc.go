/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides log.FieldLogger implementations for tests:
// a Recorder that captures entries for later inspection
// and a simple preconfigured logger writing to stderr.
package logtest

/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package config provides a thin, provider-based configuration layer.
// Configuration objects implement the Config interface and are populated
// by Loader from YAML/JSON files, io.Reader, or environment variables.
package config

// Config is implemented by configuration objects that Loader can populate.
// SetProviderDefaults registers default values in the data provider,
// Set reads the (already defaulted) values back and validates them.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by configuration objects whose keys live
// under a common prefix (for example "log." or "ratelimit.").
// Loader wraps the data provider with KeyPrefixedDataProvider for such objects.
type KeyPrefixProvider interface {
	KeyPrefix() string
}

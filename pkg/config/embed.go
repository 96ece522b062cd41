package config

import _ "embed"

// Built-in configuration shipped with the gateway. User layers override it.
var (
	//go:embed resources/providers.yml
	builtinProviders []byte

	//go:embed resources/product_types.yml
	builtinProductTypes []byte
)

package resolver

import "errors"

var (
	// ErrAliasNotFound is returned when no route pattern in the requested
	// group matches the client-supplied model alias.
	ErrAliasNotFound = errors.New("resolver: model alias not found in group")
	// ErrNoBackendTargets is returned when a matched alias resolves to an
	// empty target list.
	ErrNoBackendTargets = errors.New("resolver: alias has no backend targets configured")
	// ErrNoKeysAvailable is returned when every provider behind a matched
	// alias has an empty API key.
	ErrNoKeysAvailable = errors.New("resolver: no API keys available for alias")
	// ErrProviderNotFound is returned when a backend target names a
	// provider id absent from configuration.
	ErrProviderNotFound = errors.New("resolver: backend target names an unknown provider")
	// ErrEmptyBaseURL is returned when the resolved provider has no base URL.
	ErrEmptyBaseURL = errors.New("resolver: resolved provider has an empty base URL")
)

package config

import "context"

// Loader produces a validated Config from some source.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// Watcher is implemented by loaders that can notice edits to their source.
// onChange only ever receives configurations that passed validation.
type Watcher interface {
	Watch(ctx context.Context, onChange func(*Config)) error
}

package events

// EventType names a kind of domain event. Buses route on it.
type EventType string

// PublishOption tweaks a single publish call.
type PublishOption func(*PublishParams)

// PublishParams is the result of applying every PublishOption.
type PublishParams struct {
	// Key partitions events; events sharing a key keep their order.
	Key     string
	Headers map[string]string
}

// WithKey sets the partition key.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders attaches string metadata that travels with the event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// ApplyOptions folds opts into a PublishParams value.
func ApplyOptions(opts []PublishOption) PublishParams {
	var p PublishParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

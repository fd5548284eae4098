package otel

import (
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider creates an SDK meter provider for serviceName that feeds
// the given readers. With no readers the instruments record but nothing is
// exported.
func NewMeterProvider(serviceName string, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithResource(NewResource(serviceName))}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

// NewResource describes the service. extra attributes are appended after
// the service name.
func NewResource(serviceName string, extra ...attribute.KeyValue) *resource.Resource {
	attrs := append([]attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}, extra...)
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

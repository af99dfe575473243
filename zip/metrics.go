package zip

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics singletons.
var (
	meter       metric.Meter
	openCounter metric.Int64Counter
)

func init() {
	const pkgname = `github.com/arcfmt/arcfmt/zip`
	meter = otel.Meter(pkgname)

	var err error
	openCounter, err = meter.Int64Counter("archive.open.count",
		metric.WithDescription("total number of zip readers constructed"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		panic(err)
	}
}

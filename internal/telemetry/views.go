package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Histogram boundaries. Sweeps are dominated by GitHub round trips and
// range from a second to several minutes on large backfills; store calls
// are local and sub-second.
var (
	SweepDurationBuckets   = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	StorageDurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
)

// storageAttrs drops proposal ids and counts from storage series, which
// would otherwise grow one series per proposal.
var storageAttrs = attribute.NewAllowKeysFilter("db.operation", "fcpbot.repository")

func views() []sdkmetric.View {
	return []sdkmetric.View{
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "fcpbot.sweep.duration"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: SweepDurationBuckets,
			}},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "fcpbot.storage.operation.duration"},
			sdkmetric.Stream{
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
					Boundaries: StorageDurationBuckets,
				},
				AttributeFilter: storageAttrs,
			},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "fcpbot.storage.operations"},
			sdkmetric.Stream{AttributeFilter: storageAttrs},
		),
		sdkmetric.NewView(
			sdkmetric.Instrument{Name: "fcpbot.storage.errors"},
			sdkmetric.Stream{AttributeFilter: storageAttrs},
		),
	}
}

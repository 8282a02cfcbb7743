package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/tcprescott/multiworldhost"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Game lifecycle metrics
	GamesCreatedTotal  metric.Int64Counter
	GamesResumedTotal  metric.Int64Counter
	GamesClosedTotal   metric.Int64Counter
	GamesSweptTotal    metric.Int64Counter
	GamesRecovered     metric.Int64Counter
	GamesRecoveryFails metric.Int64Counter
	ActiveGames        metric.Int64UpDownCounter

	// Multidata payload metrics
	MultidataFetchTotal       metric.Int64Counter
	MultidataFetchErrorsTotal metric.Int64Counter
	MultidataFetchDuration    metric.Float64Histogram

	// Command metrics
	CommandsDispatchedTotal metric.Int64Counter
	CommandErrorsTotal      metric.Int64Counter

	// Port allocation metrics
	PortAllocationsTotal metric.Int64Counter
	PortExhaustionTotal  metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.GamesCreatedTotal, _ = meter.Int64Counter(
		"multiworldhost.games.created.total",
		metric.WithDescription("Total number of multiworld games created"),
		metric.WithUnit("{game}"),
	)

	m.GamesResumedTotal, _ = meter.Int64Counter(
		"multiworldhost.games.resumed.total",
		metric.WithDescription("Total number of multiworld games resumed"),
		metric.WithUnit("{game}"),
	)

	m.GamesClosedTotal, _ = meter.Int64Counter(
		"multiworldhost.games.closed.total",
		metric.WithDescription("Total number of multiworld games closed"),
		metric.WithUnit("{game}"),
	)

	m.GamesSweptTotal, _ = meter.Int64Counter(
		"multiworldhost.games.swept.total",
		metric.WithDescription("Total number of multiworld games stopped by the expiry sweeper"),
		metric.WithUnit("{game}"),
	)

	m.GamesRecovered, _ = meter.Int64Counter(
		"multiworldhost.games.recovered.total",
		metric.WithDescription("Total number of games resumed during boot recovery"),
		metric.WithUnit("{game}"),
	)

	m.GamesRecoveryFails, _ = meter.Int64Counter(
		"multiworldhost.games.recovery_failures.total",
		metric.WithDescription("Total number of games that failed to resume during boot recovery"),
		metric.WithUnit("{game}"),
	)

	m.ActiveGames, _ = meter.Int64UpDownCounter(
		"multiworldhost.games.active",
		metric.WithDescription("Number of games with a running multiworld server"),
		metric.WithUnit("{game}"),
	)

	m.MultidataFetchTotal, _ = meter.Int64Counter(
		"multiworldhost.multidata.fetch.total",
		metric.WithDescription("Total number of multidata fetch attempts"),
		metric.WithUnit("{fetch}"),
	)

	m.MultidataFetchErrorsTotal, _ = meter.Int64Counter(
		"multiworldhost.multidata.fetch.errors.total",
		metric.WithDescription("Total number of multidata fetch failures"),
		metric.WithUnit("{error}"),
	)

	m.MultidataFetchDuration, _ = meter.Float64Histogram(
		"multiworldhost.multidata.fetch.duration",
		metric.WithDescription("Duration of multidata fetch operations"),
		metric.WithUnit("ms"),
	)

	m.CommandsDispatchedTotal, _ = meter.Int64Counter(
		"multiworldhost.commands.dispatched.total",
		metric.WithDescription("Total number of console commands dispatched to game servers"),
		metric.WithUnit("{command}"),
	)

	m.CommandErrorsTotal, _ = meter.Int64Counter(
		"multiworldhost.commands.errors.total",
		metric.WithDescription("Total number of console commands that failed"),
		metric.WithUnit("{error}"),
	)

	m.PortAllocationsTotal, _ = meter.Int64Counter(
		"multiworldhost.ports.allocations.total",
		metric.WithDescription("Total number of successful port allocations"),
		metric.WithUnit("{port}"),
	)

	m.PortExhaustionTotal, _ = meter.Int64Counter(
		"multiworldhost.ports.exhaustion.total",
		metric.WithDescription("Total number of port allocation attempts that exhausted the retry budget"),
		metric.WithUnit("{error}"),
	)

	return m
}

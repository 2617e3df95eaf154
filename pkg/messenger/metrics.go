package messenger

type CounterMetric interface {
	Inc()
}

// MetricsProvider creates the per address counters updated by sessions.
type MetricsProvider interface {
	NewSentMetric(address string) CounterMetric
	NewAcceptedMetric(address string) CounterMetric
	NewRejectedMetric(address string) CounterMetric
	NewReceivedMetric(address string) CounterMetric
	NewDuplicateMetric(address string) CounterMetric
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopMetrics struct{}

func (noopMetrics) NewSentMetric(string) CounterMetric      { return noopCounter{} }
func (noopMetrics) NewAcceptedMetric(string) CounterMetric  { return noopCounter{} }
func (noopMetrics) NewRejectedMetric(string) CounterMetric  { return noopCounter{} }
func (noopMetrics) NewReceivedMetric(string) CounterMetric  { return noopCounter{} }
func (noopMetrics) NewDuplicateMetric(string) CounterMetric { return noopCounter{} }

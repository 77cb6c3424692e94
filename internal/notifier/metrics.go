package notifier

// Metrics receives delivery observations from a Dispatcher. The Prometheus
// implementation lives in internal/observability/metrics.
type Metrics interface {
	ObserveDelivery(d DeliveryResult)
	SetRetryQueueDepth(n int)
	RetryDropped()
}

type nopMetrics struct{}

func (nopMetrics) ObserveDelivery(DeliveryResult) {}
func (nopMetrics) SetRetryQueueDepth(int)         {}
func (nopMetrics) RetryDropped()                  {}

type Option func(*Dispatcher)

// WithMetrics attaches a metrics sink. nil keeps the no-op sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

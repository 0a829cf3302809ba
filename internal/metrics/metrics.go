package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	FillsApplied      Counter
	FillsDuplicate    Counter
	FillsUnattributed Counter
	UpdatesDropped    Counter
	OrdersPlaced      Counter
	OrdersFailed      Counter
	PollFailures      Counter
	StreamErrors      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		FillsApplied:      n,
		FillsDuplicate:    n,
		FillsUnattributed: n,
		UpdatesDropped:    n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		PollFailures:      n,
		StreamErrors:      n,
	}
}

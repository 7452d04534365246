package metrics

// NopCounter is a Counter that discards all observations.
type NopCounter struct{}

func (NopCounter) Inc()          {}
func (NopCounter) Add(_ float64) {}

// NopGauge is a Gauge that discards all observations.
type NopGauge struct{}

func (NopGauge) Set(_ float64) {}
func (NopGauge) Inc()          {}
func (NopGauge) Dec()          {}

var (
	_ Counter = NopCounter{}
	_ Gauge   = NopGauge{}
)

package lifecycle

import (
	"time"

	"github.com/signalsfoundry/p4net/model"
)

// MetricsRecorder receives lifecycle measurements.
type MetricsRecorder interface {
	ObserveTransition(kind model.NodeKind, from, to model.LifecycleState)
	ObserveCompile(d time.Duration, err error)
	ObserveBringUp(kind model.NodeKind, d time.Duration, err error)
	ObserveReboot(d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(model.NodeKind, model.LifecycleState, model.LifecycleState) {}
func (nopMetrics) ObserveCompile(time.Duration, error)                                          {}
func (nopMetrics) ObserveBringUp(model.NodeKind, time.Duration, error)                          {}
func (nopMetrics) ObserveReboot(time.Duration, error)                                           {}

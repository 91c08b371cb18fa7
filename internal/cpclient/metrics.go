package cpclient

import "time"

// MetricsRecorder receives control-plane client measurements.
type MetricsRecorder interface {
	ObserveConnect(endpoint string, attempts int, err error)
	ObserveRequest(op string, d time.Duration, err error)
	SessionOpened()
	SessionClosed()
	NotificationDropped()
}

type nopMetrics struct{}

func (nopMetrics) ObserveConnect(string, int, error)           {}
func (nopMetrics) ObserveRequest(string, time.Duration, error) {}
func (nopMetrics) SessionOpened()                              {}
func (nopMetrics) SessionClosed()                              {}
func (nopMetrics) NotificationDropped()                        {}

package main

import (
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
)

var (
	framesDecoded      = metrics.NewRegisteredCounter("FramesDecoded", nil)
	framingErrors      = metrics.NewRegisteredCounter("FramingErrors", nil)
	accessesGranted    = metrics.NewRegisteredCounter("AccessesGranted", nil)
	accessesDenied     = metrics.NewRegisteredCounter("AccessesDenied", nil)
	validationTimeouts = metrics.NewRegisteredCounter("ValidationTimeouts", nil)
	rotationsCompleted = metrics.NewRegisteredCounter("RotationsCompleted", nil)
	rotationTimeouts   = metrics.NewRegisteredCounter("RotationTimeouts", nil)
	eventsCollected    = metrics.NewRegisteredCounter("EventsCollected", nil)
)

type appMetrics struct {
	StartTime    time.Time
	PID          int
	UIsConnected metrics.Counter
}

type exportMetrics struct {
	UpTime             string
	PID                int
	State              string
	UIsConnected       int64
	FramesDecoded      int64
	FramingErrors      int64
	AccessesGranted    int64
	AccessesDenied     int64
	ValidationTimeouts int64
	RotationsCompleted int64
	RotationTimeouts   int64
	EventsCollected    int64
}

func registerMetrics() *appMetrics {
	var m appMetrics

	m.StartTime = time.Now()
	m.PID = os.Getpid()
	m.UIsConnected = metrics.NewCounter()
	metrics.Register("UIsConnected", m.UIsConnected)

	return &m
}

func (m *appMetrics) Export(state TurnstileState) *exportMetrics {
	uptime := time.Since(m.StartTime)

	return &exportMetrics{
		UpTime:             uptime.String(),
		PID:                m.PID,
		State:              state.String(),
		UIsConnected:       m.UIsConnected.Count(),
		FramesDecoded:      framesDecoded.Count(),
		FramingErrors:      framingErrors.Count(),
		AccessesGranted:    accessesGranted.Count(),
		AccessesDenied:     accessesDenied.Count(),
		ValidationTimeouts: validationTimeouts.Count(),
		RotationsCompleted: rotationsCompleted.Count(),
		RotationTimeouts:   rotationTimeouts.Count(),
		EventsCollected:    eventsCollected.Count(),
	}
}

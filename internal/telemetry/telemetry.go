// Package telemetry records when devices were last seen generating traffic.
package telemetry

import (
	"sync"
	"time"
)

// Source reports the last observed traffic instant for a device.
type Source interface {
	LastActivity(deviceID string) (time.Time, bool)
}

// Recorder is an in-memory Source fed by the traffic path.
type Recorder struct {
	last sync.Map // deviceID -> time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Touch records activity at t. Older timestamps never replace newer ones.
func (r *Recorder) Touch(deviceID string, t time.Time) {
	for {
		prev, loaded := r.last.LoadOrStore(deviceID, t)
		if !loaded {
			return
		}
		if !t.After(prev.(time.Time)) {
			return
		}
		if r.last.CompareAndSwap(deviceID, prev, t) {
			return
		}
	}
}

// LastActivity returns the latest recorded activity for the device.
func (r *Recorder) LastActivity(deviceID string) (time.Time, bool) {
	v, ok := r.last.Load(deviceID)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Forget drops the device's activity record.
func (r *Recorder) Forget(deviceID string) {
	r.last.Delete(deviceID)
}

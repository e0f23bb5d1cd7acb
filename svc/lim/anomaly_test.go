package lim

import (
	"testing"
)

func TestAnomalyFiresAboveThresholds(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 3; i++ {
		d.RecordError("distribute")
	}
	d.AdvanceWindow()
	if fired != 1 {
		t.Fatalf("expected anomaly to fire once, fired %d times", fired)
	}
}

func TestAnomalyQuietBelowMinRequests(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	// Every request errors, but the sample is too small to act on.
	for i := 0; i < anomalyMinRequests; i++ {
		d.RecordRequest()
		d.RecordError("scan")
	}
	d.AdvanceWindow()
	if fired != 0 {
		t.Fatalf("anomaly fired on %d requests", anomalyMinRequests)
	}
}

func TestAnomalyQuietBelowErrorRate(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 100; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError("distribute")
	}
	d.AdvanceWindow()
	if fired != 0 {
		t.Fatal("anomaly fired at exactly the threshold rate")
	}
}

func TestAnomalyAttributesErrorsPerEndpoint(t *testing.T) {
	d := NewAnomalyDetector(nil)
	d.RecordError("distribute")
	d.RecordError("distribute")
	d.RecordError("scan")
	d.RecordError("/metrics")
	b := d.window[d.current]
	if b.distribute != 2 || b.scan != 1 || b.other != 1 {
		t.Fatalf("bad attribution: distribute=%d scan=%d other=%d", b.distribute, b.scan, b.other)
	}
	if b.errors() != 4 {
		t.Fatalf("expected 4 errors total, got %d", b.errors())
	}
}

func TestAnomalyWindowSlides(t *testing.T) {
	fired := 0
	d := NewAnomalyDetector(func() { fired++ })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 3; i++ {
		d.RecordError("scan")
	}
	// The bad minute ages out after the window wraps back to its bucket.
	for i := 0; i < anomalyWindowBuckets; i++ {
		d.AdvanceWindow()
	}
	before := fired
	d.AdvanceWindow()
	if fired != before {
		t.Fatal("anomaly fired after the bad bucket aged out")
	}
}

package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouteStatsCalculate(t *testing.T) {
	rs := &routeStats{name: "Inception"}
	min, max, mean, median, p95, p99 := rs.calculate()
	assert.Zero(t, min+max+mean+median+p95+p99)

	for i := 100; i >= 1; i-- {
		rs.addDuration(time.Duration(i)*time.Millisecond, i%10 == 0)
	}
	min, max, mean, median, p95, p99 = rs.calculate()
	assert.Equal(t, time.Millisecond, min)
	assert.Equal(t, 100*time.Millisecond, max)
	assert.Equal(t, 50500*time.Microsecond, mean)
	assert.Equal(t, 51*time.Millisecond, median)
	assert.Equal(t, 95*time.Millisecond, p95)
	assert.Equal(t, 99*time.Millisecond, p99)
	assert.Equal(t, 100, rs.totalCalls)
	assert.Equal(t, 10, rs.failures)
}

func TestRecorder(t *testing.T) {
	r := newRecorder([2]string{"settle", "Settle"})
	r.observe("settle", time.Millisecond, false)
	r.observe("unknown", time.Millisecond, true)
	r.outcome("SETTLED")
	r.outcome("SETTLED")

	assert.Equal(t, 1, r.routes["settle"].totalCalls)
	assert.Equal(t, 2, r.count("SETTLED"))
	assert.Zero(t, r.count("DOUBLE_SPEND"))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "DOUBLE_SPEND", codeOf(&apiError{status: 400, code: "DOUBLE_SPEND"}))
	assert.Equal(t, "TRANSPORT", codeOf(errors.New("connection refused")))
}

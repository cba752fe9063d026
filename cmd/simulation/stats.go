package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// recorder collects route statistics and flow outcomes from concurrent workers
type recorder struct {
	mu       sync.Mutex
	routes   map[string]*routeStats
	order    []string
	outcomes map[string]int
}

func newRecorder(routes ...[2]string) *recorder {
	r := &recorder{
		routes:   make(map[string]*routeStats),
		outcomes: make(map[string]int),
	}
	for _, rt := range routes {
		r.routes[rt[0]] = &routeStats{name: rt[1]}
		r.order = append(r.order, rt[0])
	}
	return r
}

func (r *recorder) observe(route string, d time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.routes[route]; ok {
		rs.addDuration(d, failed)
	}
}

func (r *recorder) outcome(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[name]
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (r *recorder) printPerformanceStats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range r.order {
		stats := r.routes[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// printOutcomes prints flow outcomes by code with a simple ASCII bar chart
func (r *recorder) printOutcomes(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.outcomes))
	for name := range r.outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nFlow Outcomes")
	fmt.Println("-------------")
	for _, name := range names {
		count := r.outcomes[name]
		barLength := 0
		if total > 0 {
			barLength = int(float64(count) / float64(total) * 20)
		}
		fmt.Printf("%-24s: %s (%d)\n", name, strings.Repeat("#", barLength), count)
	}
}

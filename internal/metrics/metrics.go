// Package metrics exposes the sandbox's Prometheus counters. The vCPU
// execution core only contributes one series today: how often a guest run
// is torn down by a host-initiated cancellation rather than a halt.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const promNamespace = "vcpucore"

var GuestCancellations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: promNamespace,
	Name:      "guest_cancellations_total",
	Help:      "Number of vCPU runs terminated by a host-initiated kill rather than a guest halt.",
})

func init() {
	prometheus.MustRegister(GuestCancellations)
}

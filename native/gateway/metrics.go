package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	borrowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "myso",
		Subsystem: "gateway",
		Name:      "borrows_total",
		Help:      "Number of borrow transactions committed through the gateway.",
	})
	repaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "myso",
		Subsystem: "gateway",
		Name:      "repays_total",
		Help:      "Number of repay transactions committed through the gateway.",
	})
	revertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "myso",
		Subsystem: "gateway",
		Name:      "reverts_total",
		Help:      "Number of gateway transactions rolled back before commit.",
	})
)

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensorboxd_build_info",
		Help: "Build information of the sensorbox ingestion server",
	},
		[]string{"version", "commit", "date"},
	)

	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_coap_readings_total",
		Help: "Total number of readings accepted on the data resource",
	},
		[]string{"measurement"},
	)

	ReadingsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_coap_readings_rejected_total",
		Help: "Total number of readings rejected before persistence",
	},
		[]string{"reason"},
	)

	SpectraTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_coap_spectra_total",
		Help: "Total number of compact spectra reconstructed and persisted",
	},
		[]string{"measurement"},
	)

	PrefsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sensorboxd_coap_prefs_requests_total",
		Help: "Total number of preference resource requests by outcome",
	},
		[]string{"device", "outcome"},
	)

	TimeObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sensorboxd_coap_time_observers",
		Help: "Current number of subscribers observing the time resource",
	})
)

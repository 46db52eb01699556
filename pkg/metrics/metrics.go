package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var StoreRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sirihub_store_records_total",
	Help: "Records handed to a data store, by feed type, dataset and admission result",
}, []string{"feed_type", "dataset", "result"})

var StoreExpired = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sirihub_store_expired_total",
	Help: "Records evicted by the expiry sweep",
}, []string{"feed_type"})

var StoreSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sirihub_store_size",
	Help: "Current number of records held per feed type",
}, []string{"feed_type"})

var OutboundPushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sirihub_outbound_pushes_total",
	Help: "Deliveries pushed to outbound subscribers",
}, []string{"kind", "status"})

var OutboundSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "sirihub_outbound_subscriptions",
	Help: "Currently registered outbound subscriptions",
}, []string{"subscription_type"})

// StartServer exposes the prometheus endpoint on its own listener
func StartServer(listen string) {
	http.Handle("/metrics", promhttp.Handler())

	log.Info().Msgf("Metrics server listening on http://%s/metrics", listen)
	go func() {
		if err := http.ListenAndServe(listen, nil); err != nil {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

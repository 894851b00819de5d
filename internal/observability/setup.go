// Package observability exposes the bot's Prometheus metrics and serves them
// over /metrics.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	subscriptionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_checks_total",
			Help: "Subscription verdicts by result",
		},
		[]string{"result"},
	)

	subscriptionMutesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_mutes_total",
			Help: "Mutes applied after repeated subscription failures",
		},
	)

	captchaChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captcha_challenges_total",
			Help: "Captcha challenges by outcome",
		},
		[]string{"outcome"},
	)

	cacheRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "membership_cache_refresh_entries_total",
			Help: "Entries written by the bulk cache refresher",
		},
	)

	cacheSweepEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "membership_cache_sweep_evictions_total",
			Help: "Expired entries removed by the TTL sweep",
		},
	)
)

// Server is a lifecycle component serving /metrics.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

func (s *Server) Start(context.Context) error {
	prometheus.MustRegister(
		subscriptionChecksTotal,
		subscriptionMutesTotal,
		captchaChallengesTotal,
		cacheRefreshTotal,
		cacheSweepEvictionsTotal,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("addr", s.addr).WithError(err).Error("metrics server failed")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func RecordSubscriptionCheck(result string) {
	subscriptionChecksTotal.WithLabelValues(result).Inc()
}

func RecordSubscriptionMute() {
	subscriptionMutesTotal.Inc()
}

func RecordCaptchaOutcome(outcome string) {
	captchaChallengesTotal.WithLabelValues(outcome).Inc()
}

func RecordCacheRefresh(entries int) {
	cacheRefreshTotal.Add(float64(entries))
}

func RecordCacheSweep(evicted int) {
	cacheSweepEvictionsTotal.Add(float64(evicted))
}

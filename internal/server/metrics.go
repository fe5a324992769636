package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process registry. It is created before the services so the
// payment verifier and the scheduler can report into it.
type Metrics struct {
	registry           *prometheus.Registry
	vouchersTotal      *prometheus.CounterVec
	claimsTotal        *prometheus.CounterVec
	verificationsTotal *prometheus.CounterVec
	verifierAttempts   *prometheus.CounterVec
	participations     *prometheus.CounterVec
	distributionRuns   *prometheus.CounterVec
	distributedUsers   prometheus.Counter
}

func NewMetrics() *Metrics {
	vouchers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_vouchers_total",
		Help: "Voucher generation requests by result",
	}, []string{"result"})

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_claims_total",
		Help: "Claim confirmations by outcome",
	}, []string{"outcome"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_payment_verifications_total",
		Help: "Payment verification runs by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_payment_verifier_attempts_total",
		Help: "Individual calls to the payment API by result",
	}, []string{"result"})

	participations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_participations_total",
		Help: "Participation state changes",
	}, []string{"kind"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_distribution_runs_total",
		Help: "Token distribution runs by result",
	}, []string{"result"})

	users := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hodl_distribution_credited_users_total",
		Help: "Balances credited by distribution runs",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(vouchers, claims, verifications, attempts, participations, runs, users)

	return &Metrics{
		registry:           r,
		vouchersTotal:      vouchers,
		claimsTotal:        claims,
		verificationsTotal: verifications,
		verifierAttempts:   attempts,
		participations:     participations,
		distributionRuns:   runs,
		distributedUsers:   users,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveVerifierAttempt matches payment.Observer.
func (m *Metrics) ObserveVerifierAttempt(result string) {
	m.verifierAttempts.WithLabelValues(result).Inc()
}

// ObserveDistribution matches the scheduler report callback.
func (m *Metrics) ObserveDistribution(users int64, err error) {
	if err != nil {
		m.distributionRuns.WithLabelValues("error").Inc()
		return
	}
	m.distributionRuns.WithLabelValues("ok").Inc()
	m.distributedUsers.Add(float64(users))
}

func (m *Metrics) incVoucher(result string) {
	m.vouchersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incClaim(outcome string) {
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incVerification(endpoint, outcome string) {
	m.verificationsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) incParticipation(kind string) {
	m.participations.WithLabelValues(kind).Inc()
}

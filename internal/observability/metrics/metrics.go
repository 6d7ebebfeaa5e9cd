package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors carry a "service" label. Until MustRegister curries them with the
// real service name they are curried with "unregistered" so callers never panic.
var defaultLabels = prometheus.Labels{"service": "unregistered"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	authenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Bearer token validations by method and result.",
		},
		[]string{"service", "method", "result"},
	)

	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_stored_total",
			Help: "Total number of stored messages.",
		},
		[]string{"service", "chat_type"},
	)

	messageBodyChars = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messages_body_chars",
			Help:    "Body length of stored messages in characters.",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		},
		[]string{"service", "chat_type"},
	)

	messageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_history_fetched_total",
			Help: "Total number of history fetch operations.",
		},
		[]string{"service", "scope"},
	)

	realtimeSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_subscribers",
			Help: "Currently open realtime chat subscriptions.",
		},
		[]string{"service"},
	)

	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Realtime events published to chat rooms.",
		},
		[]string{"service", "type"},
	)

	presenceHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Presence heartbeat and clear calls.",
		},
		[]string{"service", "action"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Fan-out outcomes per recipient.",
		},
		[]string{"service", "kind", "outcome"},
	)

	pushDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push delivery attempts by result.",
		},
		[]string{"service", "result"},
	)
)

var (
	HTTPRequestsTotal           = httpRequestsTotal.MustCurryWith(defaultLabels)
	HTTPRequestDurationSeconds  = httpRequestDurationSeconds.MustCurryWith(defaultLabels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = authenticationAttemptsTotal.MustCurryWith(defaultLabels)
	MessagesStoredTotal         = messagesStoredTotal.MustCurryWith(defaultLabels)
	MessageBodyChars            = messageBodyChars.MustCurryWith(defaultLabels).(*prometheus.HistogramVec)
	MessageHistoryFetchedTotal  = messageHistoryFetchedTotal.MustCurryWith(defaultLabels)
	RealtimeSubscribers         = realtimeSubscribers.MustCurryWith(defaultLabels)
	RealtimeEventsTotal         = realtimeEventsTotal.MustCurryWith(defaultLabels)
	PresenceHeartbeatsTotal     = presenceHeartbeatsTotal.MustCurryWith(defaultLabels)
	NotificationsTotal          = notificationsTotal.MustCurryWith(defaultLabels)
	PushDeliveriesTotal         = pushDeliveriesTotal.MustCurryWith(defaultLabels)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = httpRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = httpRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	AuthenticationAttemptsTotal = authenticationAttemptsTotal.MustCurryWith(labels)
	MessagesStoredTotal = messagesStoredTotal.MustCurryWith(labels)
	MessageBodyChars = messageBodyChars.MustCurryWith(labels).(*prometheus.HistogramVec)
	MessageHistoryFetchedTotal = messageHistoryFetchedTotal.MustCurryWith(labels)
	RealtimeSubscribers = realtimeSubscribers.MustCurryWith(labels)
	RealtimeEventsTotal = realtimeEventsTotal.MustCurryWith(labels)
	PresenceHeartbeatsTotal = presenceHeartbeatsTotal.MustCurryWith(labels)
	NotificationsTotal = notificationsTotal.MustCurryWith(labels)
	PushDeliveriesTotal = pushDeliveriesTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		authenticationAttemptsTotal,
		messagesStoredTotal,
		messageBodyChars,
		messageHistoryFetchedTotal,
		realtimeSubscribers,
		realtimeEventsTotal,
		presenceHeartbeatsTotal,
		notificationsTotal,
		pushDeliveriesTotal,
	)
}

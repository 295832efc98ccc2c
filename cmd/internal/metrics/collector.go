package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"waplex/cmd/internal/session"
)

// DefaultWindow is the span of the rolling counters.
const DefaultWindow = 24 * time.Hour

// Kind names a counted event.
type Kind string

const (
	KindSent             Kind = "sent"
	KindReceived         Kind = "received"
	KindFailed           Kind = "failed"
	KindError            Kind = "error"
	KindReconnectAttempt Kind = "reconnect_attempt"
	KindReconnectSuccess Kind = "reconnect_success"
)

var kinds = []Kind{KindSent, KindReceived, KindFailed, KindError, KindReconnectAttempt, KindReconnectSuccess}

type event struct {
	kind Kind
	at   time.Time
}

type tracked struct {
	events         []event
	status         session.Status
	connectedSince time.Time
	lastActivity   time.Time
	lastError      string
	lastReconnect  time.Time
}

// Config configures a Collector. Zero values select defaults.
type Config struct {
	Window    time.Duration
	Namespace string
	Now       func() time.Time
}

// Collector is a session.Observer that keeps rolling per-session counters.
// It also implements prometheus.Collector.
type Collector struct {
	mu       sync.Mutex
	window   time.Duration
	now      func() time.Time
	sessions map[string]*tracked

	totals        *prometheus.CounterVec
	sessionsDesc  *prometheus.Desc
	windowDesc    *prometheus.Desc
	healthDesc    *prometheus.Desc
	uptimeDesc    *prometheus.Desc
	connectedDesc *prometheus.Desc
}

var _ session.Observer = (*Collector)(nil)
var _ prometheus.Collector = (*Collector)(nil)

// New constructs an empty Collector.
func New(cfg Config) *Collector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "waplex"
	}
	ns := cfg.Namespace

	return &Collector{
		window:   cfg.Window,
		now:      cfg.Now,
		sessions: make(map[string]*tracked),
		totals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "session_events_total",
			Help:      "Session events since process start, by kind.",
		}, []string{"kind"}),
		sessionsDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "sessions"),
			"Tracked sessions by status.", []string{"status"}, nil),
		windowDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "session_events_window"),
			"Session events inside the rolling window, by kind.", []string{"kind"}, nil),
		healthDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "health_score"),
			"Aggregated health score (0-100).", nil, nil),
		uptimeDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "session_uptime_seconds"),
			"Seconds since the session last authenticated.", []string{"session_id"}, nil),
		connectedDesc: prometheus.NewDesc(prometheus.BuildFQName(ns, "", "session_connected"),
			"1 when the session is connected.", []string{"session_id"}, nil),
	}
}

func (c *Collector) get(id string) *tracked {
	t := c.sessions[id]
	if t == nil {
		t = &tracked{status: session.StatusDisconnected}
		c.sessions[id] = t
	}
	return t
}

func (c *Collector) record(id string, k Kind, at time.Time) *tracked {
	t := c.get(id)
	t.events = append(t.events, event{kind: k, at: at})
	c.prune(t, c.now())
	c.totals.WithLabelValues(string(k)).Inc()
	return t
}

// prune drops events that left the window. The caller holds c.mu.
func (c *Collector) prune(t *tracked, now time.Time) {
	cut := now.Add(-c.window)
	i := 0
	for i < len(t.events) && !t.events[i].at.After(cut) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}

func (c *Collector) StatusChanged(id string, status session.Status, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.get(id)
	switch {
	case status == session.StatusConnected && t.status != session.StatusConnected:
		t.connectedSince = at
	case status != session.StatusConnected:
		t.connectedSince = time.Time{}
	}
	t.status = status
}

func (c *Collector) MessageReceived(id string, ev session.MessageReceived) {
	now := c.now()
	k := KindReceived
	if ev.FromMe {
		k = KindSent
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(id, k, now).lastActivity = now
}

func (c *Collector) CallReceived(id string, _ session.CallReceived) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(id).lastActivity = now
}

func (c *Collector) MessageFailed(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(id, KindFailed, at)
}

func (c *Collector) Error(id string, err error, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.record(id, KindError, at)
	if err != nil {
		t.lastError = err.Error()
	}
}

func (c *Collector) ReconnectAttempt(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(id, KindReconnectAttempt, at).lastReconnect = at
}

func (c *Collector) ReconnectSucceeded(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(id, KindReconnectSuccess, at)
}

func (c *Collector) SessionRemoved(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// Session returns the metrics of one session. Unknown ids report a disconnected session
// with zero counters.
func (c *Collector) Session(id string) SessionMetrics {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.sessions[id]
	if !ok {
		return SessionMetrics{ID: id, Status: session.StatusDisconnected}
	}
	return c.snapshot(id, t, now)
}

func (c *Collector) snapshot(id string, t *tracked, now time.Time) SessionMetrics {
	c.prune(t, now)

	m := SessionMetrics{
		ID:        id,
		Status:    t.status,
		Connected: t.status == session.StatusConnected,
		LastError: t.lastError,
	}
	for _, ev := range t.events {
		switch ev.kind {
		case KindSent:
			m.MessagesSent++
		case KindReceived:
			m.MessagesReceived++
		case KindFailed:
			m.MessagesFailed++
		case KindError:
			m.Errors++
		case KindReconnectAttempt:
			m.ReconnectAttempts++
		case KindReconnectSuccess:
			m.ReconnectSuccesses++
		}
	}
	m.LastActivity = timePtr(t.lastActivity)
	m.LastReconnect = timePtr(t.lastReconnect)
	m.ConnectedSince = timePtr(t.connectedSince)
	if !t.connectedSince.IsZero() {
		m.UptimeSeconds = int64(now.Sub(t.connectedSince) / time.Second)
	}
	return m
}

// Report returns every tracked session, sorted by id, and their aggregate.
func (c *Collector) Report() Report {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	r := Report{Sessions: make([]SessionMetrics, 0, len(ids))}
	for _, id := range ids {
		r.Sessions = append(r.Sessions, c.snapshot(id, c.sessions[id], now))
	}
	r.Aggregate = Aggregate(r.Sessions)
	return r
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.totals.Describe(ch)
	ch <- c.sessionsDesc
	ch <- c.windowDesc
	ch <- c.healthDesc
	ch <- c.uptimeDesc
	ch <- c.connectedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.totals.Collect(ch)

	r := c.Report()
	byStatus := map[session.Status]int{}
	for _, s := range r.Sessions {
		byStatus[s.Status]++

		connected := 0.0
		if s.Connected {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, connected, s.ID)
		ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(s.UptimeSeconds), s.ID)
	}
	for _, st := range []session.Status{
		session.StatusDisconnected,
		session.StatusConnecting,
		session.StatusAwaitingConfirmation,
		session.StatusConnected,
	} {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(byStatus[st]), string(st))
	}

	a := r.Aggregate
	window := map[Kind]int{
		KindSent:             a.MessagesSent,
		KindReceived:         a.MessagesReceived,
		KindFailed:           a.MessagesFailed,
		KindError:            a.Errors,
		KindReconnectAttempt: a.Reconnects,
		KindReconnectSuccess: a.ReconnectSuccesses,
	}
	for _, k := range kinds {
		ch <- prometheus.MustNewConstMetric(c.windowDesc, prometheus.GaugeValue, float64(window[k]), string(k))
	}
	ch <- prometheus.MustNewConstMetric(c.healthDesc, prometheus.GaugeValue, float64(a.HealthScore))
}

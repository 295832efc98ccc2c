package metrics

import (
	"math"
	"time"

	"waplex/cmd/internal/session"
)

// Health is the overall state derived from the health score.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SessionMetrics is the rolling view of one session.
type SessionMetrics struct {
	ID                 string         `json:"id"`
	Status             session.Status `json:"status"`
	Connected          bool           `json:"connected"`
	MessagesSent       int            `json:"messagesSent"`
	MessagesReceived   int            `json:"messagesReceived"`
	MessagesFailed     int            `json:"messagesFailed"`
	Errors             int            `json:"errors"`
	ReconnectAttempts  int            `json:"reconnectAttempts"`
	ReconnectSuccesses int            `json:"reconnectSuccesses"`
	LastActivity       *time.Time     `json:"lastActivity"`
	LastError          string         `json:"lastError,omitempty"`
	LastReconnect      *time.Time     `json:"lastReconnect"`
	ConnectedSince     *time.Time     `json:"connectedSince"`
	UptimeSeconds      int64          `json:"uptimeSeconds"`
}

// Aggregated sums the rolling counters of a set of sessions.
type Aggregated struct {
	Sessions             int    `json:"totalSessions"`
	ConnectedSessions    int    `json:"connectedSessions"`
	DisconnectedSessions int    `json:"disconnectedSessions"`
	MessagesSent         int    `json:"totalMessagesSent"`
	MessagesReceived     int    `json:"totalMessagesReceived"`
	MessagesFailed       int    `json:"totalMessagesFailed"`
	Errors               int    `json:"totalErrors"`
	Reconnects           int    `json:"totalReconnects"`
	ReconnectSuccesses   int    `json:"totalReconnectSuccesses"`
	HealthScore          int    `json:"healthScore"`
	Status               Health `json:"status"`
}

// Report is the body of the health endpoint.
type Report struct {
	Aggregate Aggregated       `json:"aggregate"`
	Sessions  []SessionMetrics `json:"sessions"`
}

// Aggregate sums sessions and scores them.
//
// The score starts at 100 and loses up to 50 points for the share of sessions that are not
// connected, up to 30 for the share of failed messages, and 10 or 20 when reconnects exceed
// two or five per session.
func Aggregate(sessions []SessionMetrics) Aggregated {
	a := Aggregated{Sessions: len(sessions)}
	for _, s := range sessions {
		if s.Connected {
			a.ConnectedSessions++
		} else {
			a.DisconnectedSessions++
		}
		a.MessagesSent += s.MessagesSent
		a.MessagesReceived += s.MessagesReceived
		a.MessagesFailed += s.MessagesFailed
		a.Errors += s.Errors
		a.Reconnects += s.ReconnectAttempts
		a.ReconnectSuccesses += s.ReconnectSuccesses
	}

	score := 100
	if a.Sessions > 0 {
		score -= roundHalfUp(float64(a.DisconnectedSessions) / float64(a.Sessions) * 50)

		if total := a.MessagesSent + a.MessagesReceived; total > 0 {
			score -= roundHalfUp(float64(a.MessagesFailed) / float64(total) * 30)
		}

		switch {
		case a.Reconnects > a.Sessions*5:
			score -= 20
		case a.Reconnects > a.Sessions*2:
			score -= 10
		}
	}
	a.HealthScore = min(100, max(0, score))

	switch {
	case a.HealthScore >= 80:
		a.Status = HealthHealthy
	case a.HealthScore >= 50:
		a.Status = HealthDegraded
	default:
		a.Status = HealthUnhealthy
	}
	return a
}

// roundHalfUp rounds .5 towards +Inf for non-negative inputs.
func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

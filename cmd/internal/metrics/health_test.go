package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func connected(n int) []SessionMetrics {
	out := make([]SessionMetrics, n)
	for i := range out {
		out[i].Connected = true
	}
	return out
}

func TestAggregate_HealthScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     func() []SessionMetrics
		score  int
		status Health
	}{
		{
			name:   "no sessions",
			in:     func() []SessionMetrics { return nil },
			score:  100,
			status: HealthHealthy,
		},
		{
			name:   "all connected",
			in:     func() []SessionMetrics { return connected(3) },
			score:  100,
			status: HealthHealthy,
		},
		{
			name: "half disconnected",
			in: func() []SessionMetrics {
				s := connected(4)
				s[0].Connected, s[1].Connected = false, false
				return s
			},
			score:  75,
			status: HealthDegraded,
		},
		{
			name: "one of three disconnected rounds 16.67 to 17",
			in: func() []SessionMetrics {
				s := connected(3)
				s[2].Connected = false
				return s
			},
			score:  83,
			status: HealthHealthy,
		},
		{
			name: "failure ratio",
			in: func() []SessionMetrics {
				s := connected(1)
				s[0].MessagesSent = 5
				s[0].MessagesReceived = 5
				s[0].MessagesFailed = 5
				return s
			},
			score:  85,
			status: HealthHealthy,
		},
		{
			name: "reconnects above twice per session",
			in: func() []SessionMetrics {
				s := connected(2)
				s[0].ReconnectAttempts = 5
				return s
			},
			score:  90,
			status: HealthHealthy,
		},
		{
			name: "reconnects above five per session",
			in: func() []SessionMetrics {
				s := connected(1)
				s[0].ReconnectAttempts = 6
				return s
			},
			score:  80,
			status: HealthHealthy,
		},
		{
			name: "everything wrong clamps at zero",
			in: func() []SessionMetrics {
				s := make([]SessionMetrics, 1)
				s[0].MessagesReceived = 1
				s[0].MessagesFailed = 10
				s[0].ReconnectAttempts = 10
				return s
			},
			score:  0,
			status: HealthUnhealthy,
		},
		{
			name: "all disconnected",
			in: func() []SessionMetrics {
				return make([]SessionMetrics, 2)
			},
			score:  50,
			status: HealthDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := Aggregate(tt.in())
			assert.Equal(t, tt.score, a.HealthScore)
			assert.Equal(t, tt.status, a.Status)
		})
	}
}

func TestAggregate_Sums(t *testing.T) {
	t.Parallel()

	a := Aggregate([]SessionMetrics{
		{Connected: true, MessagesSent: 1, MessagesReceived: 2, Errors: 1, ReconnectAttempts: 1, ReconnectSuccesses: 1},
		{MessagesSent: 3, MessagesFailed: 1},
	})
	assert.Equal(t, 2, a.Sessions)
	assert.Equal(t, 1, a.ConnectedSessions)
	assert.Equal(t, 1, a.DisconnectedSessions)
	assert.Equal(t, 4, a.MessagesSent)
	assert.Equal(t, 2, a.MessagesReceived)
	assert.Equal(t, 1, a.MessagesFailed)
	assert.Equal(t, 1, a.Errors)
	assert.Equal(t, 1, a.Reconnects)
	assert.Equal(t, 1, a.ReconnectSuccesses)
}

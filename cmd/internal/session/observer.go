package session

import "time"

// Observer receives lifecycle and traffic notifications (metrics, alerts).
// Calls are made from session goroutines and must not block.
type Observer interface {
	StatusChanged(id string, status Status, at time.Time)
	MessageReceived(id string, ev MessageReceived)
	CallReceived(id string, ev CallReceived)
	MessageFailed(id string, at time.Time)
	Error(id string, err error, at time.Time)
	ReconnectAttempt(id string, at time.Time)
	ReconnectSucceeded(id string, at time.Time)
	SessionRemoved(id string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StatusChanged(string, Status, time.Time) {}
func (NopObserver) MessageReceived(string, MessageReceived) {}
func (NopObserver) CallReceived(string, CallReceived)       {}
func (NopObserver) MessageFailed(string, time.Time)         {}
func (NopObserver) Error(string, error, time.Time)          {}
func (NopObserver) ReconnectAttempt(string, time.Time)      {}
func (NopObserver) ReconnectSucceeded(string, time.Time)    {}
func (NopObserver) SessionRemoved(string)                   {}

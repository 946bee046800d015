package conn

import "github.com/gosuda/airstream/internal/domain"

// allowed is the transition table. ConnClosed -> ConnConnecting is further
// restricted to error and timeout closes, and any state may move to
// ConnClosed with CloseCancelled.
var allowed = map[domain.ConnState][]domain.ConnState{ //nolint:gochecknoglobals // transition table
	domain.ConnIdle:       {domain.ConnConnecting},
	domain.ConnConnecting: {domain.ConnOpen, domain.ConnClosed},
	domain.ConnOpen:       {domain.ConnDraining, domain.ConnClosed},
	domain.ConnDraining:   {domain.ConnClosed},
	domain.ConnClosed:     {domain.ConnConnecting},
}

func canTransition(from domain.ConnState, fromReason domain.CloseReason, to domain.ConnState, reason domain.CloseReason) bool {
	if to == domain.ConnClosed && reason == domain.CloseCancelled {
		return from != domain.ConnClosed || fromReason != domain.CloseCancelled
	}
	if from == domain.ConnClosed && to == domain.ConnConnecting {
		return fromReason == domain.CloseError || fromReason == domain.CloseTimeout
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

package network

import (
	"context"
	"errors"

	"mistcharge/internal/remote"
)

// Pinger is the subset of the remote client the HTTP prober needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPProber checks the backend health endpoint. A failed connection means
// not connected; any HTTP answer means connected, and only a 2xx answer
// means reachable.
type HTTPProber struct {
	Client Pinger
}

func (p HTTPProber) Probe(ctx context.Context) (bool, *bool) {
	err := p.Client.Ping(ctx)
	if err == nil {
		return true, boolPtr(true)
	}

	var nerr *remote.NetworkError
	if errors.As(err, &nerr) && nerr.Unreachable() {
		return false, boolPtr(false)
	}
	return true, boolPtr(false)
}

func boolPtr(v bool) *bool {
	return &v
}

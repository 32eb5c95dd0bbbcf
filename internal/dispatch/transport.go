package dispatch

import (
	"context"

	"github.com/lsst/qserv/internal/respond"
)

// Transport is the provisioning surface of the SSI-like layer: a reliable
// request/response channel with server-push streaming and a cancellation
// primitive. Provisioning may fail transiently; callers retry with backoff.
type Transport interface {
	Provision(ctx context.Context, resource string) (respond.Session, error)
}

// QueryResource is the provisioning handle for one attempt: the resource
// path plus the session the transport handed back for it.
type QueryResource struct {
	Path    string
	session respond.Session
}

// NewQueryResource provisions a session for resource.
func NewQueryResource(ctx context.Context, transport Transport, resource string) (*QueryResource, error) {
	session, err := transport.Provision(ctx, resource)
	if err != nil {
		return nil, err
	}
	return &QueryResource{Path: resource, session: session}, nil
}

// Session returns the provisioned session.
func (r *QueryResource) Session() respond.Session {
	return r.session
}

package txdefer

import "context"

type coordinatorKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c *Coordinator) context.Context {
	return context.WithValue(ctx, coordinatorKey{}, c)
}

// FromContext returns the Coordinator carried by ctx, or nil.
func FromContext(ctx context.Context) *Coordinator {
	c, _ := ctx.Value(coordinatorKey{}).(*Coordinator)
	return c
}

// Submit hands h to the Coordinator carried by ctx. Without one there is no
// transaction to wait for and h runs immediately.
func Submit(ctx context.Context, subject any, h Handler) error {
	c := FromContext(ctx)
	if c == nil {
		if h == nil {
			return ErrHandlerRequired
		}
		return h()
	}
	return c.Submit(subject, h)
}

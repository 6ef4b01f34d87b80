package txdefer

// Handler is a unit of deferred work. It is a closure over whatever the caller needs.
type Handler func() error

// PendingRegistry holds deferred handlers grouped by the transaction depth they were
// submitted at. Handlers within a depth keep their submission order.
type PendingRegistry struct {
	buckets map[int][]Handler
}

// NewPendingRegistry creates an empty PendingRegistry.
func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{buckets: make(map[int][]Handler)}
}

// Enqueue appends h to the bucket for depth.
func (r *PendingRegistry) Enqueue(depth int, h Handler) error {
	if depth < 1 {
		return ErrInvalidDepth
	}
	if h == nil {
		return ErrHandlerRequired
	}
	r.ensure()
	r.buckets[depth] = append(r.buckets[depth], h)
	return nil
}

// Drain removes and returns every handler pending at depth.
// It returns nil when nothing is pending there.
func (r *PendingRegistry) Drain(depth int) []Handler {
	handlers := r.buckets[depth]
	delete(r.buckets, depth)
	return handlers
}

// MergeInto appends handlers after the ones already pending at depth,
// so that release order stays the submission order.
func (r *PendingRegistry) MergeInto(depth int, handlers []Handler) {
	if len(handlers) == 0 {
		return
	}
	r.ensure()
	r.buckets[depth] = append(r.buckets[depth], handlers...)
}

// Len returns the number of handlers pending at depth.
func (r *PendingRegistry) Len(depth int) int {
	return len(r.buckets[depth])
}

// Total returns the number of handlers pending at every depth.
func (r *PendingRegistry) Total() int {
	var n int
	for _, b := range r.buckets {
		n += len(b)
	}
	return n
}

func (r *PendingRegistry) ensure() {
	if r.buckets == nil {
		r.buckets = make(map[int][]Handler)
	}
}

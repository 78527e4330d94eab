package ratelimiter

// Listener observes committed bucket operations. Implementations must be
// safe for concurrent use and must not block; they never affect outcomes.
type Listener interface {
	OnConsumed(tokens int64)
	OnRejected(tokens int64)
	OnParked(nanos int64)
	OnInterrupted(err error)
	OnDelayed(nanos int64)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) OnConsumed(int64)    {}
func (NopListener) OnRejected(int64)    {}
func (NopListener) OnParked(int64)      {}
func (NopListener) OnInterrupted(error) {}
func (NopListener) OnDelayed(int64)     {}

// Listeners fans events out to several listeners in order.
type Listeners []Listener

func (ls Listeners) OnConsumed(tokens int64) {
	for _, l := range ls {
		l.OnConsumed(tokens)
	}
}

func (ls Listeners) OnRejected(tokens int64) {
	for _, l := range ls {
		l.OnRejected(tokens)
	}
}

func (ls Listeners) OnParked(nanos int64) {
	for _, l := range ls {
		l.OnParked(nanos)
	}
}

func (ls Listeners) OnInterrupted(err error) {
	for _, l := range ls {
		l.OnInterrupted(err)
	}
}

func (ls Listeners) OnDelayed(nanos int64) {
	for _, l := range ls {
		l.OnDelayed(nanos)
	}
}

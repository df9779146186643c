package whois

// IntervalGate lets an action through at most once per interval of ticks.
// The first call always passes.
type IntervalGate struct {
	interval int64
	last     int64
	primed   bool
}

// NewIntervalGate returns a gate with the given minimum interval.
func NewIntervalGate(interval int64) IntervalGate {
	return IntervalGate{interval: interval}
}

// Gate reports whether the action may run at now and, if so, records now.
func (g *IntervalGate) Gate(now int64) bool {
	if g.primed && now-g.last < g.interval {
		return false
	}
	g.primed = true
	g.last = now
	return true
}

package bus

import "sync"

// Emission is one delivery seen by an Observer: the envelope, whether it was
// an alias fan-out, and the original published name.
type Emission struct {
	Envelope *Envelope
	IsAlias  bool
	Wildcard bool
	Original string
}

// Observer taps every emission for diagnostics. Implementations must be cheap
// and must never mutate the envelope. Production wiring installs no observer;
// the tap exists only in dev/test construction.
type Observer interface {
	Observe(e Emission)
}

// FrequencyReport summarizes what an AuditObserver saw.
type FrequencyReport struct {
	Counts   map[string]int `json:"counts"`
	Unknown  []string       `json:"unknown,omitempty"`  // seen but absent from the canonical registry
	Aliased  []string       `json:"aliased,omitempty"`  // seen via alias fan-out
	Canon    int            `json:"canonical"`          // size of the canonical registry
	Published int          `json:"publishes"`          // primary publishes observed
}

// AuditObserver builds a frequency/novelty report over observed event names.
// It compares against a canonical registry of known names and flags novelty.
type AuditObserver struct {
	mu        sync.Mutex
	canonical map[string]bool
	counts    map[string]int
	aliased   map[string]bool
	publishes int
}

// NewAuditObserver creates an observer with the given canonical event names.
func NewAuditObserver(canonicalNames []string) *AuditObserver {
	canon := make(map[string]bool, len(canonicalNames))
	for _, n := range canonicalNames {
		canon[n] = true
	}
	return &AuditObserver{
		canonical: canon,
		counts:    make(map[string]int),
		aliased:   make(map[string]bool),
	}
}

// Observe records one emission.
func (o *AuditObserver) Observe(e Emission) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[e.Envelope.Name]++
	switch {
	case e.IsAlias:
		o.aliased[e.Envelope.Name] = true
	case !e.Wildcard:
		o.publishes++
	}
}

// Report returns the accumulated frequency/novelty report.
func (o *AuditObserver) Report() FrequencyReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	rep := FrequencyReport{
		Counts:   make(map[string]int, len(o.counts)),
		Canon:    len(o.canonical),
		Published: o.publishes,
	}
	for name, n := range o.counts {
		rep.Counts[name] = n
		if !o.canonical[name] && !o.aliased[name] {
			rep.Unknown = append(rep.Unknown, name)
		}
	}
	for name := range o.aliased {
		rep.Aliased = append(rep.Aliased, name)
	}
	return rep
}

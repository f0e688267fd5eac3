package crawler

import (
	"fmt"
	"slices"
	"time"

	"bytemomo/crawlbench/internal/domain"
)

// KindID is the lowercase name a crawler kind is selected and stored by.
type KindID string

const (
	Htcap           KindID = "htcap"
	Crawljax        KindID = "crawljax"
	Wget            KindID = "wget"
	Arachni         KindID = "arachni"
	W3af            KindID = "w3af"
	EnemyOfTheState KindID = "enemy-of-the-state"
)

// Command is a fully built crawler invocation.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

// StopPolicy is the graceful part of stopping a crawler: the interrupt is
// sent Repeat times, Interval apart, and Linger extends the first wait
// window.
type StopPolicy struct {
	Repeat   int
	Interval time.Duration
	Linger   time.Duration
}

// DefaultStop sends a single interrupt.
var DefaultStop = StopPolicy{Repeat: 1}

// Kind is one crawler variant.
type Kind struct {
	ID KindID
	// Prepare runs before spawn, e.g. to write a profile into the results
	// directory. Optional.
	Prepare func(rc domain.RunContext) error
	Build   func(rc domain.RunContext) (Command, error)
	Stop    StopPolicy
}

// Registry holds crawler kinds in registration order.
type Registry struct {
	kinds map[KindID]Kind
	order []KindID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[KindID]Kind)}
}

// Register adds k. Registering an ID twice replaces the kind but keeps its
// original position.
func (r *Registry) Register(k Kind) error {
	if k.ID == "" {
		return fmt.Errorf("crawler kind ID is required")
	}
	if k.Build == nil {
		return fmt.Errorf("crawler kind %q has no command builder", k.ID)
	}
	if k.Stop.Repeat <= 0 {
		k.Stop.Repeat = 1
	}
	if _, exists := r.kinds[k.ID]; !exists {
		r.order = append(r.order, k.ID)
	}
	r.kinds[k.ID] = k
	return nil
}

// Lookup returns the kind registered under id.
func (r *Registry) Lookup(id KindID) (Kind, bool) {
	k, ok := r.kinds[id]
	return k, ok
}

// IDs lists registered kinds in order.
func (r *Registry) IDs() []KindID {
	return slices.Clone(r.order)
}

// Select returns the kinds to run in registration order, keeping only those
// named in filter. An empty filter selects every kind. Names that match no
// kind are reported as domain.ErrUnknownCrawler.
func (r *Registry) Select(filter []string) ([]Kind, error) {
	if len(filter) == 0 {
		out := make([]Kind, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.kinds[id])
		}
		return out, nil
	}

	want := make(map[KindID]bool, len(filter))
	for _, name := range filter {
		id := KindID(name)
		if _, ok := r.kinds[id]; !ok {
			return nil, domain.E("crawler.select", domain.ErrUnknownCrawler, fmt.Errorf("%q (known: %v)", name, r.order))
		}
		want[id] = true
	}
	var out []Kind
	for _, id := range r.order {
		if want[id] {
			out = append(out, r.kinds[id])
		}
	}
	return out, nil
}

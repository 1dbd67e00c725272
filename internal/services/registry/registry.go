package registry

import (
	"sync"
	"sync/atomic"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/circuitbreaker"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Entry binds one registered provider to its models, adapter and breaker.
// Entries are immutable once published; updates publish a replacement entry.
type Entry struct {
	Descriptor models.ProviderDescriptor
	Models     []models.ModelDescriptor
	Adapter    adapters.Adapter
	Breaker    *circuitbreaker.CircuitBreaker
}

// Candidate pairs a provider with the specific model that satisfies a
// request. Ordering is the selector's job, not the registry's.
type Candidate struct {
	Provider models.ProviderDescriptor
	Model    models.ModelDescriptor
	Adapter  adapters.Adapter
	Breaker  *circuitbreaker.CircuitBreaker
}

// Registry is the in-memory catalog of registered providers. Reads go
// through an atomic snapshot pointer so per-request lookups never block on
// administrative writes; writes copy the map and publish a new snapshot.
type Registry struct {
	writeMu   sync.Mutex
	snapshot  atomic.Pointer[map[string]*Entry]
	breakerCB circuitbreaker.TransitionFunc

	// BreakerConfig applies to breakers created for new providers.
	breakerConfig circuitbreaker.Config
}

// New creates an empty registry using default breaker tunables.
func New() *Registry {
	return NewWithBreakerConfig(circuitbreaker.DefaultConfig())
}

// NewWithBreakerConfig creates an empty registry whose providers get
// breakers built from the given tunables.
func NewWithBreakerConfig(cfg circuitbreaker.Config) *Registry {
	r := &Registry{breakerConfig: cfg}
	empty := make(map[string]*Entry)
	r.snapshot.Store(&empty)
	return r
}

// OnBreakerTransition sets the callback wired into every provider breaker,
// existing and future. Used to feed circuit transitions to telemetry.
func (r *Registry) OnBreakerTransition(fn circuitbreaker.TransitionFunc) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.breakerCB = fn
	for _, e := range *r.snapshot.Load() {
		e.Breaker.OnTransition(fn)
	}
}

// Register adds a provider with its models and adapter. Registering an id
// that already exists replaces the prior entry atomically; the existing
// breaker is kept so accumulated health state survives administrative
// re-registration.
func (r *Registry) Register(descriptor models.ProviderDescriptor, modelList []models.ModelDescriptor, adapter adapters.Adapter) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.snapshot.Load()
	next := make(map[string]*Entry, len(old)+1)
	for id, e := range old {
		next[id] = e
	}

	var breaker *circuitbreaker.CircuitBreaker
	if prev, ok := old[descriptor.ID]; ok {
		breaker = prev.Breaker
		fiberlog.Infof("Registry: replacing provider %s (%d models)", descriptor.ID, len(modelList))
	} else {
		breaker = circuitbreaker.NewWithConfig(descriptor.ID, r.breakerConfig)
		if r.breakerCB != nil {
			breaker.OnTransition(r.breakerCB)
		}
		fiberlog.Infof("Registry: registered provider %s (%d models)", descriptor.ID, len(modelList))
	}

	next[descriptor.ID] = &Entry{
		Descriptor: descriptor,
		Models:     modelList,
		Adapter:    adapter,
		Breaker:    breaker,
	}
	r.snapshot.Store(&next)
}

// Deregister removes a provider and discards its circuit state. Removing an
// unknown id is a no-op.
func (r *Registry) Deregister(providerID string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.snapshot.Load()
	if _, ok := old[providerID]; !ok {
		return
	}
	next := make(map[string]*Entry, len(old))
	for id, e := range old {
		if id != providerID {
			next[id] = e
		}
	}
	r.snapshot.Store(&next)
	fiberlog.Infof("Registry: deregistered provider %s", providerID)
}

// Update applies the mutator to a copy of the provider's descriptor and
// publishes the result as a whole-value replacement. Returns false if the
// provider is not registered.
func (r *Registry) Update(providerID string, mutate func(models.ProviderDescriptor) models.ProviderDescriptor) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := *r.snapshot.Load()
	prev, ok := old[providerID]
	if !ok {
		return false
	}
	next := make(map[string]*Entry, len(old))
	for id, e := range old {
		next[id] = e
	}
	updated := *prev
	updated.Descriptor = mutate(prev.Descriptor)
	updated.Descriptor.ID = providerID // id is the map key, never mutable
	next[providerID] = &updated
	r.snapshot.Store(&next)
	fiberlog.Debugf("Registry: updated provider %s", providerID)
	return true
}

// Get returns the entry for a provider id.
func (r *Registry) Get(providerID string) (*Entry, bool) {
	e, ok := (*r.snapshot.Load())[providerID]
	return e, ok
}

// List returns every registered entry, in unspecified order.
func (r *Registry) List() []*Entry {
	snap := *r.snapshot.Load()
	out := make([]*Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	return out
}

// ListEligible returns all enabled providers exposing the requested
// capability and, when modelHint is not "any", a model matching the hint.
// One candidate per (provider, matching model) pair; ties are not broken
// here.
func (r *Registry) ListEligible(capability models.Capability, modelHint string) []Candidate {
	snap := *r.snapshot.Load()
	var out []Candidate
	for _, e := range snap {
		if !e.Descriptor.Enabled {
			continue
		}
		for _, m := range e.Models {
			if !m.HasCapability(capability) {
				continue
			}
			if modelHint != "" && modelHint != models.ModelHintAny && m.ModelID != modelHint {
				continue
			}
			out = append(out, Candidate{
				Provider: e.Descriptor,
				Model:    m,
				Adapter:  e.Adapter,
				Breaker:  e.Breaker,
			})
		}
	}
	return out
}

package provider

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mobilemsg/pushbox/internal/message"
)

// Factory builds one provider instance. Factories are registered at startup
// by whichever transports are compiled in; no runtime class loading.
type Factory func(log *zap.Logger) (Provider, error)

// Registry lazily instantiates and caches one provider per registered name,
// and resolves "the provider to use" by name, by message, or by default.
// Resolution never fails: unknown names fall back to the default provider,
// and an unusable default falls back to the Null provider.
type Registry struct {
	log *zap.Logger

	mu          sync.Mutex
	factories   map[string]Factory
	configs     map[string]string
	cache       map[string]Provider
	defaultName string
	observer    Observer
	null        *Null
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:       log.Named("providers"),
		factories: make(map[string]Factory),
		configs:   make(map[string]string),
		cache:     make(map[string]Provider),
		null:      NewNull(),
	}
}

// Register adds a provider factory under its routing name, with the config
// string passed to Configure on first instantiation.
func (r *Registry) Register(name string, f Factory, config string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.configs[name] = config
}

// SetObserver records the engine-side observer; it is re-attached to the
// resolved provider on every resolution call.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// SetDefault names the provider used when a message carries no provider or
// an unknown one.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

func (r *Registry) DefaultName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultName
}

// instance returns the cached provider for name, instantiating on first
// use. Instantiation failures are logged and the name is dropped from the
// registry, never surfaced to resolution callers.
func (r *Registry) instance(name string) (Provider, bool) {
	if p, ok := r.cache[name]; ok {
		return p, true
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	p, err := f(r.log.Named(name))
	if err != nil {
		r.log.Error("provider instantiation failed", zap.String("provider", name), zap.Error(err))
		delete(r.factories, name)
		return nil, false
	}
	if cfg := r.configs[name]; cfg != "" {
		if err := p.Configure(cfg); err != nil {
			r.log.Error("provider configuration failed", zap.String("provider", name), zap.Error(err))
			delete(r.factories, name)
			return nil, false
		}
	}
	r.cache[name] = p
	return p, true
}

func (r *Registry) resolve(name string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.instance(name)
	if !ok && name != r.defaultName {
		p, ok = r.instance(r.defaultName)
	}
	if !ok {
		p = r.null
	}
	if r.observer != nil {
		p.SetObserver(r.observer)
	}
	return p
}

// ByName resolves a provider by routing name.
func (r *Registry) ByName(name string) Provider { return r.resolve(name) }

// ForMessage resolves the provider named by the message's provider field.
func (r *Registry) ForMessage(m *message.Message) Provider { return r.resolve(m.Provider) }

// Default resolves the configured default provider.
func (r *Registry) Default() Provider {
	r.mu.Lock()
	name := r.defaultName
	r.mu.Unlock()
	return r.resolve(name)
}

// All instantiates and returns every registered provider, for lifecycle
// fan-out (start, stop, network-state changes, single checks).
func (r *Registry) All() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		p, ok := r.instance(name)
		if !ok {
			continue
		}
		if r.observer != nil {
			p.SetObserver(r.observer)
		}
		out = append(out, p)
	}
	return out
}

// Names lists the registered provider names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

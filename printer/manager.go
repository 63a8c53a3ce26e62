package printer

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/hydraresearch/nautilus/registry"
)

// Manager keeps one Device per registry instance and rebuilds the set
// whenever the registry changes.
type Manager struct {
	reg  *registry.Registry
	opts Options

	mu          sync.RWMutex
	devices     map[string]*Device
	unsubscribe func()
}

// NewManager builds devices for every instance in reg and follows its
// change notifications until Close.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	m := &Manager{
		reg:     reg,
		opts:    opts,
		devices: make(map[string]*Device),
	}
	m.rebuild()
	m.unsubscribe = reg.Subscribe(m.rebuild)
	return m
}

// rebuild matches the device set to the registry. Devices whose settings
// did not change are kept, so their in-flight writes survive.
func (m *Manager) rebuild() {
	instances := m.reg.All()

	m.mu.Lock()
	next := make(map[string]*Device, len(instances))
	for _, inst := range instances {
		if d, ok := m.devices[inst.Name]; ok && sameConnection(d.Instance(), inst) {
			next[inst.Name] = d
			continue
		}
		next[inst.Name] = NewDevice(inst, m.opts)
	}
	var dropped []*Device
	for name, d := range m.devices {
		if next[name] != d {
			dropped = append(dropped, d)
		}
	}
	m.devices = next
	m.mu.Unlock()

	for _, d := range dropped {
		if d.Busy() {
			log.Printf("%s: settings changed, abandoning current activity", d.Name())
		}
		d.Reset()
	}
}

func sameConnection(a, b registry.Instance) bool {
	return a.URL == b.URL && a.Password == b.Password &&
		a.HTTPUser == b.HTTPUser && a.HTTPPassword == b.HTTPPassword
}

// Get returns the device for name.
func (m *Manager) Get(name string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", registry.ErrNotFound, name)
	}
	return d, nil
}

// Devices returns every device sorted by name.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close stops following the registry.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

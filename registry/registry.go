// Package registry keeps the user's named printer connections.
//
// The registry is the only writer of the persisted mapping. Each mutation
// replaces the whole mapping in a single store write and then notifies
// subscribers, which rebuild whatever output targets they derive from it.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hydraresearch/nautilus/version"
)

var (
	ErrNotFound    = errors.New("printer not found")
	ErrInvalidName = errors.New("invalid printer name")
	ErrInvalidURL  = errors.New("invalid printer URL")
)

// Instance is one named controller connection.
type Instance struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	Password        string `json:"-"`
	HTTPUser        string `json:"http_user"`
	HTTPPassword    string `json:"-"`
	FirmwareVersion string `json:"firmware_version"`
}

// Store is the key-value storage the mapping is persisted in.
type Store interface {
	GetString(namespace, key string) (string, bool)
	SetItem(namespace, key string, value interface{}) error
	DeleteItem(namespace, key string) error
}

// Config names where and how the mapping is stored. The key names differ
// between plugin generations.
type Config struct {
	Namespace string
	// Key holds the JSON-encoded mapping, e.g. "Nautilus/instances".
	Key string
	// PasswordField is the per-instance controller password key,
	// "duet_password" or "printer_password".
	PasswordField string
}

// DefaultConfig matches the current plugin generation.
func DefaultConfig() Config {
	return Config{
		Namespace:     "preferences",
		Key:           "Nautilus/instances",
		PasswordField: "duet_password",
	}
}

// Registry maps printer names to connection settings.
type Registry struct {
	store Store
	cfg   Config

	mu        sync.RWMutex
	instances map[string]Instance

	subMu       sync.Mutex
	subscribers map[int]func()
	nextSub     int
}

// New loads the registry from store.
func New(store Store, cfg Config) (*Registry, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Key == "" {
		cfg.Key = DefaultConfig().Key
	}
	if cfg.PasswordField == "" {
		cfg.PasswordField = DefaultConfig().PasswordField
	}

	r := &Registry{
		store:       store,
		cfg:         cfg,
		instances:   make(map[string]Instance),
		subscribers: make(map[int]func()),
	}

	raw, ok := store.GetString(cfg.Namespace, cfg.Key)
	if !ok || raw == "" {
		return r, nil
	}
	instances, err := r.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Key, err)
	}
	r.instances = instances
	return r, nil
}

// Load returns the instance called name.
func (r *Registry) Load(name string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst, nil
}

// Names returns the instance names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every instance sorted by name.
func (r *Registry) All() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save stores inst, replacing the entry called oldName. Pass an empty
// oldName to add a new instance. A firmware version left empty carries
// over from the replaced entry.
func (r *Registry) Save(oldName string, inst Instance) error {
	inst.Name = strings.TrimSpace(inst.Name)
	inst.URL = strings.TrimSpace(inst.URL)

	if !r.ValidName(oldName, inst.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, inst.Name)
	}
	if !ValidURL(inst.URL) {
		return fmt.Errorf("%w: %q", ErrInvalidURL, inst.URL)
	}
	if !strings.HasSuffix(inst.URL, "/") {
		inst.URL += "/"
	}

	err := r.mutate(func(m map[string]Instance) error {
		if old, ok := m[oldName]; ok {
			if inst.FirmwareVersion == "" {
				inst.FirmwareVersion = old.FirmwareVersion
			}
			delete(m, oldName)
		}
		m[inst.Name] = inst
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Saved printer %s (%s)", inst.Name, inst.URL)
	return nil
}

// Remove deletes the instance called name.
func (r *Registry) Remove(name string) error {
	err := r.mutate(func(m map[string]Instance) error {
		if _, ok := m[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		delete(m, name)
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Removed printer %s", name)
	return nil
}

// SetFirmwareVersion records the configuration version found on the
// controller.
func (r *Registry) SetFirmwareVersion(name, v string) error {
	return r.mutate(func(m map[string]Instance) error {
		inst, ok := m[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		inst.FirmwareVersion = strings.TrimSpace(v)
		m[name] = inst
		return nil
	})
}

// NeedsUpdate describes whether name runs an older configuration than
// latest.
func (r *Registry) NeedsUpdate(name, latest string) (string, error) {
	inst, err := r.Load(name)
	if err != nil {
		return "", err
	}
	if version.Newer(latest, inst.FirmwareVersion) {
		return "Version " + latest + " available!", nil
	}
	return "Up-to-Date", nil
}

// Subscribe registers fn to run after every change. The returned
// function removes the subscription.
func (r *Registry) Subscribe(fn func()) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

// ValidName reports whether newName may be used for an entry currently
// called oldName. Names must be non-empty and unique; keeping the old
// name is always allowed.
func (r *Registry) ValidName(oldName, newName string) bool {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return false
	}
	if newName == oldName {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.instances[newName]
	return !taken
}

var urlPattern = regexp.MustCompile(`^https?://.`)

// ValidURL reports whether u can be used as a controller base URL.
// Credentials embedded in the URL are rejected; HTTP credentials have
// their own fields.
func ValidURL(u string) bool {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, `\\`) || strings.Contains(u, "@") {
		return false
	}
	return urlPattern.MatchString(u)
}

// mutate applies fn to a copy of the mapping, persists the copy in one
// write and only then makes it current. An empty mapping removes the key.
func (r *Registry) mutate(fn func(m map[string]Instance) error) error {
	r.mu.Lock()

	next := make(map[string]Instance, len(r.instances)+1)
	for k, v := range r.instances {
		next[k] = v
	}
	if err := fn(next); err != nil {
		r.mu.Unlock()
		return err
	}

	if err := r.persist(next); err != nil {
		r.mu.Unlock()
		return err
	}
	r.instances = next
	r.mu.Unlock()

	r.notify()
	return nil
}

func (r *Registry) notify() {
	r.subMu.Lock()
	subs := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (r *Registry) persist(m map[string]Instance) error {
	if len(m) == 0 {
		if err := r.store.DeleteItem(r.cfg.Namespace, r.cfg.Key); err != nil {
			return fmt.Errorf("removing %s: %w", r.cfg.Key, err)
		}
		return nil
	}

	raw, err := r.encode(m)
	if err != nil {
		return err
	}
	if err := r.store.SetItem(r.cfg.Namespace, r.cfg.Key, raw); err != nil {
		return fmt.Errorf("saving %s: %w", r.cfg.Key, err)
	}
	return nil
}

// encode renders the mapping in the persisted layout:
// name -> {url, <password field>, http_user, http_password, firmware_version}.
func (r *Registry) encode(m map[string]Instance) (string, error) {
	out := make(map[string]map[string]string, len(m))
	for name, inst := range m {
		out[name] = map[string]string{
			"url":               inst.URL,
			r.cfg.PasswordField: inst.Password,
			"http_user":         inst.HTTPUser,
			"http_password":     inst.HTTPPassword,
			"firmware_version":  inst.FirmwareVersion,
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding printers: %w", err)
	}
	return string(data), nil
}

func (r *Registry) decode(raw string) (map[string]Instance, error) {
	var in map[string]map[string]string
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}

	m := make(map[string]Instance, len(in))
	for name, fields := range in {
		m[name] = Instance{
			Name:            name,
			URL:             fields["url"],
			Password:        fields[r.cfg.PasswordField],
			HTTPUser:        fields["http_user"],
			HTTPPassword:    fields["http_password"],
			FirmwareVersion: fields["firmware_version"],
		}
	}
	return m, nil
}

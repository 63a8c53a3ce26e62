package printer

import (
	"errors"
	"net"
	"testing"

	"github.com/hashicorp/mdns"

	"github.com/hydraresearch/nautilus/database"
	"github.com/hydraresearch/nautilus/registry"
)

func TestManagerFollowsRegistry(t *testing.T) {
	db, err := database.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(db, registry.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	reg.Save("", registry.Instance{Name: "a", URL: "http://10.0.0.1"})
	reg.Save("", registry.Instance{Name: "b", URL: "http://10.0.0.2"})

	m := NewManager(reg, Options{})
	defer m.Close()

	devices := m.Devices()
	if len(devices) != 2 || devices[0].Name() != "a" || devices[1].Name() != "b" {
		t.Fatalf("devices = %v", devices)
	}
	a, _ := m.Get("a")
	b, _ := m.Get("b")

	// Editing b rebuilds it and leaves a untouched.
	if err := reg.Save("b", registry.Instance{Name: "b", URL: "http://10.0.0.3"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Get("a"); got != a {
		t.Fatalf("unchanged device was rebuilt")
	}
	newB, _ := m.Get("b")
	if newB == b || newB.URL() != "http://10.0.0.3/" {
		t.Fatalf("edited device not rebuilt: %s", newB.URL())
	}

	reg.Remove("a")
	if _, err := m.Get("a"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("Get(removed) = %v", err)
	}

	// After Close the manager no longer follows changes.
	m.Close()
	reg.Save("", registry.Instance{Name: "c", URL: "http://10.0.0.4"})
	if _, err := m.Get("c"); err == nil {
		t.Fatalf("closed manager picked up a new instance")
	}
}

func TestFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  DiscoveredPrinter
		ok    bool
	}{
		{
			name: "ipv4",
			entry: &mdns.ServiceEntry{
				Name:   "duet3._http._tcp.local.",
				Host:   "duet3.local.",
				AddrV4: net.ParseIP("192.168.1.40"),
				Port:   80,
			},
			want: DiscoveredPrinter{Name: "duet3", Host: "192.168.1.40", Port: 80, URL: "http://192.168.1.40:80/"},
			ok:   true,
		},
		{
			name:  "host only",
			entry: &mdns.ServiceEntry{Name: "n._http._tcp.local.", Host: "n.local.", Port: 8080},
			want:  DiscoveredPrinter{Name: "n", Host: "n.local", Port: 8080, URL: "http://n.local:8080/"},
			ok:    true,
		},
		{
			name:  "no port",
			entry: &mdns.ServiceEntry{Name: "x", AddrV4: net.ParseIP("10.0.0.1")},
		},
		{name: "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := fromEntry(tt.entry)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("fromEntry = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

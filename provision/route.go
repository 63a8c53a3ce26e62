// Package provision re-provisions a controller's filesystem from release
// bundles: stale macros are deleted, new files uploaded and the firmware
// reflashed.
package provision

import (
	"path"
	"strings"
)

// Images names the fixed firmware files on the controller.
type Images struct {
	Firmware string
	Server   string
}

// DefaultImages are the Duet 2 WiFi image names.
var DefaultImages = Images{
	Firmware: "Duet2CombinedFirmware.bin",
	Server:   "DuetWiFiServer.bin",
}

// Route is where one bundle entry goes on the controller.
type Route struct {
	// Dir is "sys", "www" or "macros".
	Dir  string
	Name string
	Skip bool
}

// Path returns the destination relative to the SD card root.
func (r Route) Path() string {
	return path.Join(r.Dir, r.Name)
}

// Classify routes a config bundle entry by its name.
func Classify(name string, img Images) Route {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".bin"):
		switch {
		case strings.Contains(lower, "firmware"):
			return Route{Dir: "sys", Name: img.Firmware}
		case strings.Contains(lower, "server"):
			return Route{Dir: "sys", Name: img.Server}
		}
		return Route{Dir: "sys", Name: name}
	case strings.HasSuffix(lower, ".g"):
		return Route{Dir: "sys", Name: name}
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".json"),
		strings.HasPrefix(name, "css"), strings.HasPrefix(name, "json"), strings.HasPrefix(name, "fonts"):
		return Route{Dir: "www", Name: name}
	}
	return Route{Skip: true}
}

// MacroRoute routes a macros bundle entry, keeping its subpath.
func MacroRoute(name string) Route {
	return Route{Dir: "macros", Name: name}
}

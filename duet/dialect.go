package duet

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Dialect selects which controller HTTP API a session speaks.
type Dialect int

const (
	// DialectLegacy is the RepRapFirmware rr_* API served by the board itself.
	DialectLegacy Dialect = iota
	// DialectSBC is the DSF API served by a single-board computer.
	DialectSBC
)

func (d Dialect) String() string {
	if d == DialectSBC {
		return "sbc"
	}
	return "rrf"
}

// MarshalText renders the dialect as its string form in JSON payloads.
func (d Dialect) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// timestampLayout is the local time format of the legacy time= parameter.
const timestampLayout = "2006-01-02T15:04:05"

func timestamp(now time.Time) string {
	return now.Format(timestampLayout)
}

// volumePath turns a path relative to the SD card root into the 0:/ form
// used by the legacy API and in gcode arguments.
func volumePath(p string) string {
	return "0:/" + strings.TrimLeft(p, "/")
}

// sbcPath escapes each segment of p for use in a DSF URL.
func sbcPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

func (d Dialect) connectRequest(password string) Request {
	return Request{Path: "rr_connect", Query: []Param{{"password", password}}}
}

func (d Dialect) statusRequest() Request {
	if d == DialectSBC {
		return Request{Path: "machine/status"}
	}
	return Request{Path: "rr_status", Query: []Param{{"type", "3"}}}
}

func (d Dialect) uploadRequest(p string, data []byte) Request {
	if d == DialectSBC {
		return Request{Method: http.MethodPut, Path: "machine/file/" + sbcPath(p), Body: data}
	}
	return Request{
		Method: http.MethodPost,
		Path:   "rr_upload",
		Query:  []Param{{"name", volumePath(p)}},
		Body:   data,
	}
}

func (d Dialect) replyRequest() Request {
	return Request{Path: "rr_reply"}
}

func (d Dialect) disconnectRequest() Request {
	return Request{Path: "rr_disconnect"}
}

func (d Dialect) gcodeRequest(code string) Request {
	if d == DialectSBC {
		return Request{Method: http.MethodPost, Path: "machine/code", Body: []byte(code)}
	}
	return Request{Path: "rr_gcode", Query: []Param{{"gcode", code}}}
}

func (d Dialect) fileListRequest(dir string) Request {
	if d == DialectSBC {
		return Request{Path: "machine/directory/" + sbcPath(dir)}
	}
	return Request{Path: "rr_filelist", Query: []Param{{"dir", volumePath(dir)}}}
}

func (d Dialect) deleteRequest(p string) Request {
	if d == DialectSBC {
		return Request{Method: http.MethodDelete, Path: "machine/file/" + sbcPath(p)}
	}
	return Request{Path: "rr_delete", Query: []Param{{"name", volumePath(p)}}}
}

func (d Dialect) downloadRequest(p string) Request {
	if d == DialectSBC {
		return Request{Path: "machine/file/" + sbcPath(p)}
	}
	return Request{Path: "rr_download", Query: []Param{{"name", volumePath(p)}}}
}

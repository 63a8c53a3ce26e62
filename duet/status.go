package duet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the subset of controller status the workflows act on.
type Status struct {
	// Code is the raw status: a single letter for the legacy API, a word
	// such as "idle" or "simulating" for SBC.
	Code string `json:"code"`
	Busy bool   `json:"busy"`
	Idle bool   `json:"idle"`
	// Fraction is the print or simulation progress in 0..1, valid when
	// HasFraction is set.
	Fraction    float64 `json:"fraction"`
	HasFraction bool    `json:"has_fraction"`
}

// sbcBusy lists DSF machine states that keep a simulation loop waiting.
var sbcBusy = map[string]bool{
	"simulating": true,
	"processing": true,
	"busy":       true,
	"resuming":   true,
	"pausing":    true,
}

func parseLegacyStatus(body []byte) (*Status, error) {
	var raw struct {
		Status          string   `json:"status"`
		FractionPrinted *float64 `json:"fractionPrinted"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}

	st := &Status{
		Code: raw.Status,
		Busy: raw.Status == "P" || raw.Status == "M",
		Idle: strings.ContainsAny(raw.Status, "iI"),
	}
	if raw.FractionPrinted != nil {
		st.Fraction = normalizeFraction(*raw.FractionPrinted)
		st.HasFraction = true
	}
	return st, nil
}

type sbcState struct {
	Status string `json:"status"`
}

type sbcJob struct {
	FilePosition *float64 `json:"filePosition"`
	File         struct {
		Size float64 `json:"size"`
	} `json:"file"`
}

type sbcModel struct {
	State *sbcState `json:"state"`
	Job   *sbcJob   `json:"job"`
}

func parseSBCStatus(body []byte) (*Status, error) {
	var raw struct {
		Result *sbcModel `json:"result"`
		sbcModel
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}

	model := raw.sbcModel
	if raw.Result != nil {
		model = *raw.Result
	}
	if model.State == nil {
		return nil, fmt.Errorf("decoding status: missing state")
	}

	code := model.State.Status
	st := &Status{
		Code: code,
		Busy: sbcBusy[code],
		Idle: code == "idle",
	}
	if j := model.Job; j != nil && j.FilePosition != nil && j.File.Size > 0 {
		st.Fraction = normalizeFraction(*j.FilePosition / j.File.Size)
		st.HasFraction = true
	}
	return st, nil
}

// normalizeFraction clamps f to 0..1. Some firmware reports percent.
func normalizeFraction(f float64) float64 {
	if f > 1 {
		f /= 100
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// FileEntry is one item of a remote directory listing.
type FileEntry struct {
	// Type is "f" for files and "d" for directories.
	Type string `json:"type"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e FileEntry) IsDir() bool {
	return e.Type == "d"
}

func parseFileList(d Dialect, body []byte) ([]FileEntry, error) {
	if d == DialectSBC {
		var entries []FileEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decoding file list: %w", err)
		}
		return entries, nil
	}

	var raw struct {
		Files []FileEntry `json:"files"`
		Err   int         `json:"err"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding file list: %w", err)
	}
	switch raw.Err {
	case 0:
	case 2:
		return nil, &Error{Kind: KindNotFound, Op: "rr_filelist", Err: fmt.Errorf("directory not found")}
	default:
		return nil, &Error{Kind: KindUnknown, Op: "rr_filelist", Err: fmt.Errorf("file list rejected (err=%d)", raw.Err)}
	}
	return raw.Files, nil
}

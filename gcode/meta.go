package gcode

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// Meta describes a sliced job, as far as its header comments tell.
type Meta struct {
	JobName     string   `json:"job_name"`
	Materials   []string `json:"materials,omitempty"`
	Nozzle      string   `json:"nozzle,omitempty"`
	LayerHeight float64  `json:"layer_height,omitempty"` // mm
	Slicer      string   `json:"slicer,omitempty"`
	// EstimatedTime is in seconds.
	EstimatedTime float64 `json:"estimated_time,omitempty"`
	// FilamentUsed is in meters.
	FilamentUsed float64 `json:"filament_used,omitempty"`
}

// headerScanLimit bounds how many lines ScanMeta reads. Slicers put their
// header comments at the top of the file.
const headerScanLimit = 400

// ScanMeta reads slicer header comments from r. Unknown comments are
// ignored; a file without a header yields an empty Meta.
func ScanMeta(r io.Reader) (Meta, error) {
	var meta Meta
	seenMaterial := map[string]bool{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 0; sc.Scan() && n < headerScanLimit; n++ {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		scanHeaderComment(line, &meta, seenMaterial)
	}
	if err := sc.Err(); err != nil {
		return meta, fmt.Errorf("scanning gcode header: %w", err)
	}
	return meta, nil
}

// MetaForFile scans the header of a local file and falls back to the
// file's base name for the job name.
func MetaForFile(path string, r io.Reader) (Meta, error) {
	meta, err := ScanMeta(r)
	if meta.JobName == "" {
		meta.JobName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return meta, err
}

// scanHeaderComment extracts metadata from one comment line. Both the
// Cura "KEY:value" form and the "key = value" form are understood.
func scanHeaderComment(comment string, meta *Meta, seenMaterial map[string]bool) {
	s := strings.TrimLeft(comment, "; ")

	key, val, ok := splitComment(s)
	if !ok {
		return
	}
	lower := strings.ToLower(key)

	switch {
	case lower == "job_name" || lower == "print_name":
		if meta.JobName == "" {
			meta.JobName = val
		}
	case lower == "layer height" || lower == "layer_height":
		if v, err := strconv.ParseFloat(val, 64); err == nil && meta.LayerHeight == 0 {
			meta.LayerHeight = v
		}
	case lower == "time" || lower == "print.time":
		if v, err := strconv.ParseFloat(val, 64); err == nil && meta.EstimatedTime == 0 {
			meta.EstimatedTime = v
		}
	case lower == "filament used":
		if v, err := strconv.ParseFloat(strings.TrimSuffix(strings.Split(val, ",")[0], "m"), 64); err == nil {
			meta.FilamentUsed = v
		}
	case lower == "generated with" || lower == "generated by" || lower == "generator.name":
		if meta.Slicer == "" {
			meta.Slicer = val
		}
	case lower == "material" || lower == "filament_type" ||
		(strings.HasPrefix(lower, "extruder_train.") && strings.HasSuffix(lower, ".material.name")):
		// May be semicolon-separated for multi-tool (e.g., "PLA;PETG").
		for _, part := range strings.Split(val, ";") {
			part = strings.TrimSpace(part)
			if part != "" && !seenMaterial[part] {
				seenMaterial[part] = true
				meta.Materials = append(meta.Materials, part)
			}
		}
	case strings.HasPrefix(lower, "extruder_train.") && strings.HasSuffix(lower, ".nozzle.name"):
		if meta.Nozzle == "" {
			meta.Nozzle = val
		}
	case lower == "nozzle_diameter" || lower == "nozzle":
		if meta.Nozzle == "" {
			first := strings.TrimSpace(strings.Split(val, ",")[0])
			if _, err := strconv.ParseFloat(first, 64); err == nil {
				first += "mm"
			}
			meta.Nozzle = first
		}
	}
}

// splitComment splits "KEY:value" or "key = value". The "=" form wins when
// both separators are present, since values like times contain colons.
func splitComment(s string) (string, string, bool) {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"generated with ", "generated by "} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(prefix), strings.TrimSpace(s[len(prefix):]), true
		}
	}
	if idx := strings.Index(s, "="); idx > 0 {
		return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
	}
	if idx := strings.Index(s, ":"); idx > 0 {
		return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
	}
	return "", "", false
}

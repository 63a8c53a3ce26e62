package gcode

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestScanMetaCuraHeader(t *testing.T) {
	src := `;FLAVOR:RepRap
;TIME:3723
;Filament used: 4.21m
;Layer height: 0.15
;EXTRUDER_TRAIN.0.MATERIAL.NAME:PLA
;EXTRUDER_TRAIN.1.MATERIAL.NAME:PVA
;EXTRUDER_TRAIN.0.NOZZLE.NAME:0.4mm
;Generated with Cura_SteamEngine 5.4.0
G28
`
	meta, err := ScanMeta(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ScanMeta: %v", err)
	}
	if meta.LayerHeight != 0.15 {
		t.Fatalf("layer height = %v", meta.LayerHeight)
	}
	if got := strings.Join(meta.Materials, ","); got != "PLA,PVA" {
		t.Fatalf("materials = %q", got)
	}
	if meta.Nozzle != "0.4mm" {
		t.Fatalf("nozzle = %q", meta.Nozzle)
	}
	if meta.EstimatedTime != 3723 || meta.FilamentUsed != 4.21 {
		t.Fatalf("time/filament = %v/%v", meta.EstimatedTime, meta.FilamentUsed)
	}
	if meta.Slicer != "Cura_SteamEngine 5.4.0" {
		t.Fatalf("slicer = %q", meta.Slicer)
	}
}

func TestScanMetaKeyValueHeader(t *testing.T) {
	src := `; generated by PrusaSlicer 2.7.1
; layer_height = 0.2
; filament_type = PETG;PETG
; nozzle_diameter = 0.6,0.6
`
	meta, err := ScanMeta(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ScanMeta: %v", err)
	}
	if meta.LayerHeight != 0.2 || meta.Nozzle != "0.6mm" {
		t.Fatalf("meta = %+v", meta)
	}
	if len(meta.Materials) != 1 || meta.Materials[0] != "PETG" {
		t.Fatalf("materials = %v", meta.Materials)
	}
	if meta.Slicer != "PrusaSlicer 2.7.1" {
		t.Fatalf("slicer = %q", meta.Slicer)
	}
}

func TestFileWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bracket.gcode")
	if err := os.WriteFile(path, []byte(";Layer height: 0.1\nG28\n"), 0644); err != nil {
		t.Fatal(err)
	}

	fw := FileWriter{Path: path}
	var buf bytes.Buffer
	if !fw.Write(&buf) {
		t.Fatalf("Write reported failure")
	}
	if !strings.Contains(buf.String(), "G28") {
		t.Fatalf("buffer = %q", buf.String())
	}

	meta, err := fw.Meta()
	if err != nil {
		t.Fatalf("Meta: %v", err)
	}
	if meta.JobName != "bracket" || meta.LayerHeight != 0.1 {
		t.Fatalf("meta = %+v", meta)
	}

	missing := FileWriter{Path: filepath.Join(dir, "missing.gcode")}
	if missing.Write(&buf) {
		t.Fatalf("Write on a missing file reported success")
	}
}

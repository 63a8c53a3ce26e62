package printer

import (
	"errors"
	"testing"

	"github.com/hydraresearch/nautilus/gcode"
)

func TestValidateNameRejectsForbiddenCharacters(t *testing.T) {
	for _, r := range ForbiddenChars {
		for _, name := range []string{string(r), "part" + string(r), string(r) + "part.gcode", "a" + string(r) + "b"} {
			if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
				t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
			}
		}
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "", wantErr: true},
		{name: "   ", wantErr: true},
		{name: ".", wantErr: true},
		{name: "..", wantErr: true},
		{name: "part.gcode"},
		{name: "bracket - PLA - 0.4mm - 200um"},
		{name: "..hidden"},
		{name: "über teil"},
		{name: "a/b", wantErr: true},
		{name: "../sys/config.g", wantErr: true},
		{name: "/gcodes/part.gcode", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateName(%q) = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestProposeName(t *testing.T) {
	tests := []struct {
		name string
		meta gcode.Meta
		want string
	}{
		{
			name: "all parts",
			meta: gcode.Meta{JobName: "bracket", Materials: []string{"PLA"}, Nozzle: "0.4mm", LayerHeight: 0.2},
			want: "bracket - PLA - 0.4mm - 200um.gcode",
		},
		{
			name: "long job name is truncated",
			meta: gcode.Meta{JobName: "a_very_long_job_name_indeed", LayerHeight: 0.1},
			want: "a_very_long_jo - 100um.gcode",
		},
		{
			name: "two materials",
			meta: gcode.Meta{JobName: "cube", Materials: []string{"PLA", "PVA"}, LayerHeight: 0.15},
			want: "cube - PLA-PVA - 150um.gcode",
		},
		{
			name: "forbidden characters removed",
			meta: gcode.Meta{JobName: "fan (v2)!", Nozzle: "AA 0.4"},
			want: "fan v2 - AA 0.4.gcode",
		},
		{
			name: "directory separator removed",
			meta: gcode.Meta{JobName: "left/right"},
			want: "leftright.gcode",
		},
		{
			name: "empty",
			meta: gcode.Meta{},
			want: "",
		},
		{
			name: "rounding",
			meta: gcode.Meta{JobName: "x", LayerHeight: 0.29},
			want: "x - 290um.gcode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProposeName(tt.meta)
			if got != tt.want {
				t.Fatalf("ProposeName = %q, want %q", got, tt.want)
			}
			if got != "" && ValidateName(got) != nil {
				t.Fatalf("proposal %q does not validate", got)
			}
		})
	}
}

func TestEnsureExtension(t *testing.T) {
	tests := map[string]string{
		"part":          "part.gcode",
		"part.gcode":    "part.gcode",
		"part.g":        "part.g",
		"v1.2 - 200um":  "v1.2 - 200um",
		"bracket - PLA": "bracket - PLA.gcode",
	}
	for in, want := range tests {
		if got := EnsureExtension(in); got != want {
			t.Errorf("EnsureExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

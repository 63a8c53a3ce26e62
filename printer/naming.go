package printer

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/hydraresearch/nautilus/gcode"
)

// ForbiddenChars may not appear in a remote file name.
const ForbiddenChars = "\"'´`<>()[]?*\\,;:&%#$!"

// baseNameLimit is how many characters of the job name a proposal keeps.
const baseNameLimit = 14

var ErrInvalidName = errors.New("invalid file name")

// ProposeName builds a file name from job metadata:
// "<job> - <materials> - <nozzle> - <layer>um.gcode". Missing parts are
// left out and forbidden characters removed. Without any metadata the
// result is empty.
func ProposeName(meta gcode.Meta) string {
	var parts []string

	if base := truncate(strings.TrimSpace(meta.JobName), baseNameLimit); base != "" {
		parts = append(parts, base)
	}
	if len(meta.Materials) > 0 {
		parts = append(parts, strings.Join(meta.Materials, "-"))
	}
	if meta.Nozzle != "" {
		parts = append(parts, meta.Nozzle)
	}
	if meta.LayerHeight > 0 {
		parts = append(parts, fmt.Sprintf("%dum", int(math.Round(meta.LayerHeight*1000))))
	}

	name := Sanitize(strings.Join(parts, " - "))
	if name == "" {
		return ""
	}
	return name + ".gcode"
}

// Sanitize removes forbidden characters, directory separators and
// surrounding space.
func Sanitize(name string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || strings.ContainsRune(ForbiddenChars, r) {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(clean)
}

// ValidateName rejects empty names, "." and "..", names containing a
// forbidden character and names with a directory part. Uploads always
// land in the gcodes directory.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: %q contains a directory separator", ErrInvalidName, name)
	case strings.ContainsAny(name, ForbiddenChars):
		return fmt.Errorf("%w: %q contains one of %s", ErrInvalidName, name, ForbiddenChars)
	}
	return nil
}

// EnsureExtension appends ".gcode" to names without any dot. Proposed
// names contain dots in their nozzle and layer parts, so any dot counts.
func EnsureExtension(name string) string {
	if strings.HasSuffix(name, ".gcode") || strings.Contains(name, ".") {
		return name
	}
	return name + ".gcode"
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}

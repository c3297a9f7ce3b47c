package sift2

import "fmt"

// ParseUnits accepts every spelling spec.md §6 lists for the SIFT2 CLI's
// -units option.
func ParseUnits(s string) (Units, error) {
	switch s {
	case "NOS", "none":
		return UnitsNOS, nil
	case "AFD/mm", "AFD.mm-1", "AFD.mm^-1":
		return UnitsAFDPerMM, nil
	case "mm2", "mm^2":
		return UnitsMM2, nil
	default:
		return 0, fmt.Errorf("sift2: unrecognised units %q", s)
	}
}

// String renders Units in its canonical header spelling, used when
// recording the chosen units in the output file header (spec.md §6).
func (u Units) String() string {
	switch u {
	case UnitsNOS:
		return "NOS"
	case UnitsAFDPerMM:
		return "AFD/mm"
	case UnitsMM2:
		return "mm^2"
	default:
		return "unknown"
	}
}

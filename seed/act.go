package seed

import "gonum.org/v1/gonum/spatial/r3"

// TissueSampler reports the 5TT partial-volume fractions at a
// scanner-space point, the external collaborator the ACT admissibility
// check needs (spec.md §1 lists 5TT sampling and GMWMI interface-finding
// as out-of-scope external collaborators; this module defines the
// interface they must satisfy).
type TissueSampler interface {
	// Sample returns the cortical-GM, subcortical-GM, WM, CSF and
	// pathological-tissue partial volume fractions at p, matching the
	// five-class 5TT convention (original_source's Image<float> five_tt).
	Sample(p r3.Vec) (cgm, sgm, wm, csf, path float64)
}

// InterfaceFinder snaps a point believed to sit inside a grey/white-matter
// boundary voxel onto the nearest GM/WM interface, the external
// collaborator Dynamic_ACT_additions::check_seed calls when a candidate
// seed is neither clearly CSF nor clearly WM.
type InterfaceFinder interface {
	FindGMWMI(p r3.Vec) (r3.Vec, bool)
}

// FiveTTAct is the default ACT admissibility check, grounded directly on
// Dynamic_ACT_additions::check_seed: reject points with more CSF than the
// combined white-plus-grey matter fraction, accept points that are
// majority white matter (against combined grey matter, cortical plus
// subcortical) outright, and otherwise try to snap onto the GM/WM
// interface, accepting unconditionally if the snap succeeds.
type FiveTTAct struct {
	Tissue    TissueSampler
	Interface InterfaceFinder
}

// CheckSeed implements the ACT interface.
func (a FiveTTAct) CheckSeed(p r3.Vec) (r3.Vec, bool) {
	cgm, sgm, wm, csf, _ := a.Tissue.Sample(p)
	gm := cgm + sgm
	if csf > wm+gm {
		return p, false
	}
	if wm > gm {
		return p, true
	}
	if a.Interface == nil {
		return p, false
	}
	snapped, ok := a.Interface.FindGMWMI(p)
	if !ok {
		return p, false
	}
	return snapped, true
}

// NullACT always admits the candidate seed unchanged; it is the default
// used by callers that do not supply 5TT tissue segmentation, e.g. tests
// and whole-brain FOD-only workflows (spec.md's ACT admissibility check is
// optional).
type NullACT struct{}

// CheckSeed implements the ACT interface.
func (NullACT) CheckSeed(p r3.Vec) (r3.Vec, bool) { return p, true }

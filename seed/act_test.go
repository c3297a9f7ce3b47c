package seed

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

type constTissue struct{ cgm, sgm, wm, csf, path float64 }

func (c constTissue) Sample(r3.Vec) (cgm, sgm, wm, csf, path float64) {
	return c.cgm, c.sgm, c.wm, c.csf, c.path
}

type constInterface struct {
	p  r3.Vec
	ok bool
}

func (c constInterface) FindGMWMI(r3.Vec) (r3.Vec, bool) { return c.p, c.ok }

func TestFiveTTActRejectsWhenCSFExceedsWhitePlusGreyMatter(t *testing.T) {
	// wm+cgm+sgm = 0.6, csf = 0.61: rejected even though wm alone exceeds
	// cgm+sgm, since the CSF test runs first.
	a := FiveTTAct{Tissue: constTissue{cgm: 0.1, sgm: 0.1, wm: 0.4, csf: 0.61}}
	_, ok := a.CheckSeed(r3.Vec{})
	if ok {
		t.Fatal("expected rejection when csf exceeds wm+cgm+sgm")
	}
}

func TestFiveTTActAcceptsWMDominantVoxelDespiteModerateCSF(t *testing.T) {
	// wm=0.5 against cgm+sgm=0.3 and csf=0.2: csf does not exceed wm+gm
	// (0.2 < 0.8), and wm alone exceeds combined grey matter, so this must
	// be accepted outright without ever consulting an interface finder.
	a := FiveTTAct{Tissue: constTissue{cgm: 0.2, sgm: 0.1, wm: 0.5, csf: 0.2}}
	p := r3.Vec{X: 1, Y: 2, Z: 3}
	got, ok := a.CheckSeed(p)
	if !ok {
		t.Fatal("expected acceptance when wm exceeds cgm+sgm")
	}
	if got != p {
		t.Fatalf("expected unmodified point, got %v", got)
	}
}

func TestFiveTTActSubcorticalGreyMatterCountsTowardGreyMatter(t *testing.T) {
	// wm=0.4, cgm=0.1, sgm=0.35: combined grey matter (0.45) exceeds wm, so
	// this must NOT be accepted outright on the wm>cgm+sgm test (it would
	// wrongly pass if sgm were dropped, since wm=0.4 > cgm=0.1 alone).
	a := FiveTTAct{
		Tissue:    constTissue{cgm: 0.1, sgm: 0.35, wm: 0.4, csf: 0.05},
		Interface: constInterface{ok: false},
	}
	_, ok := a.CheckSeed(r3.Vec{})
	if ok {
		t.Fatal("expected rejection: wm does not exceed combined cortical+subcortical grey matter")
	}
}

func TestFiveTTActSnapsToInterfaceWithoutResampling(t *testing.T) {
	// Neither the CSF-rejection nor the WM-acceptance test fires (balanced
	// tissue), so the outcome must follow the interface finder alone.
	snapped := r3.Vec{X: 9, Y: 9, Z: 9}
	a := FiveTTAct{
		Tissue:    constTissue{cgm: 0.25, sgm: 0.25, wm: 0.3, csf: 0.2},
		Interface: constInterface{p: snapped, ok: true},
	}
	got, ok := a.CheckSeed(r3.Vec{})
	if !ok {
		t.Fatal("expected acceptance when the interface finder succeeds")
	}
	if got != snapped {
		t.Fatalf("expected the snapped point %v, got %v", snapped, got)
	}
}

func TestFiveTTActRejectsWhenInterfaceFinderFails(t *testing.T) {
	a := FiveTTAct{
		Tissue:    constTissue{cgm: 0.25, sgm: 0.25, wm: 0.3, csf: 0.2},
		Interface: constInterface{ok: false},
	}
	_, ok := a.CheckSeed(r3.Vec{})
	if ok {
		t.Fatal("expected rejection when the interface finder cannot locate a GM/WM boundary")
	}
}

func TestNullACTAlwaysAdmits(t *testing.T) {
	p := r3.Vec{X: 1, Y: 1, Z: 1}
	got, ok := NullACT{}.CheckSeed(p)
	if !ok || got != p {
		t.Fatalf("NullACT must admit the candidate unchanged, got (%v, %v)", got, ok)
	}
}

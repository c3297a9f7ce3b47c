package imgio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/fixel"
)

func TestReadDirectionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dirs.txt")
	content := "1 0 0\n0 1 0\n0 0 1\n0.57735 0.57735 0.57735\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	set, err := ReadDirections(path)
	if err != nil {
		t.Fatalf("ReadDirections: %v", err)
	}
	if set.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", set.Size())
	}
}

func TestFODImageRoundTrip(t *testing.T) {
	const nx, ny, nz, lmax = 2, 2, 1, 2
	buf := &bytes.Buffer{}
	voxels := func(n int) []float64 {
		return []float64{float64(n) + 1, 0, 0, 0, 0, 0}
	}
	if err := WriteFODImage(buf, nx, ny, nz, r3.Vec{X: 2, Y: 2, Z: 2}, r3.Vec{}, lmax, voxels); err != nil {
		t.Fatalf("WriteFODImage: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fod.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img, err := OpenFODImage(path)
	if err != nil {
		t.Fatalf("OpenFODImage: %v", err)
	}
	defer img.Close()

	if img.NX != nx || img.NY != ny || img.NZ != nz || img.Lmax != lmax {
		t.Fatalf("header mismatch: %+v", img)
	}
	for i := 0; i < img.NumVoxels(); i++ {
		coefs, err := img.Next()
		if err != nil {
			t.Fatalf("Next() at voxel %d: %v", i, err)
		}
		if coefs[0] != float64(i)+1 {
			t.Fatalf("voxel %d: coefs[0] = %v, want %v", i, coefs[0], float64(i)+1)
		}
	}
	if _, err := img.Next(); err != io.EOF {
		t.Fatalf("Next() after the last voxel = %v, want io.EOF", err)
	}
}

func TestFixelFileRoundTrip(t *testing.T) {
	dirs := direction.NewSet([]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}})
	ds := fixel.NewDataset(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{})
	seg := fixel.VoxelSegmentation{
		Voxel:  fixel.VoxelIndex{X: 0, Y: 0, Z: 0},
		Lobes:  []fixel.LobeSummary{{Direction: r3.Vec{X: 1}, Integral: 0.8}},
		Lookup: []int{0, fixel.NoLobe, fixel.NoLobe},
	}
	if err := ds.AddVoxel(seg, dirs.Size()); err != nil {
		t.Fatalf("AddVoxel: %v", err)
	}
	ds.Build()

	buf := &bytes.Buffer{}
	voxels := []fixel.VoxelIndex{seg.Voxel}
	err := WriteFixelFile(buf, ds, dirs, voxels, func(v fixel.VoxelIndex) fixel.VoxelSegmentation { return seg })
	if err != nil {
		t.Fatalf("WriteFixelFile: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fixel.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	loaded, err := ReadFixelFile(path, dirs)
	if err != nil {
		t.Fatalf("ReadFixelFile: %v", err)
	}
	if loaded.NumFixels() != 1 {
		t.Fatalf("NumFixels() = %d, want 1", loaded.NumFixels())
	}
	if loaded.FD[0] != 0.8 {
		t.Fatalf("FD[0] = %v, want 0.8", loaded.FD[0])
	}
	idx, ok := loaded.FixelAt(seg.Voxel, 0)
	if !ok || idx != 0 {
		t.Fatalf("FixelAt(voxel, 0) = (%d, %v), want (0, true)", idx, ok)
	}
	if _, ok := loaded.FixelAt(seg.Voxel, 1); ok {
		t.Fatalf("FixelAt(voxel, 1) should report no lobe")
	}
}

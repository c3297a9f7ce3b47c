// Package imgio is the minimal, clearly-bounded image and direction-set
// codec the command-line programs need to turn on-disk inputs into the
// core packages' in-memory types. Like the track package, it is an
// external collaborator spec.md places out of scope ("image I/O" per §1)
// represented here only far enough to drive the core: a direction-set
// text format, a per-voxel FOD SH coefficient volume, and a precomputed
// fixel-data file.
package imgio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/dwimodel/tractosift/direction"
	"github.com/dwimodel/tractosift/fixel"
)

// ReadDirections loads a direction set from a simple text file: one line
// per direction, three whitespace-separated floats (x y z), mirroring the
// reference implementation's ASCII direction-set files (e.g.
// directions/300.txt).
func ReadDirections(path string) (*direction.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imgio: opening direction set: %w", err)
	}
	defer f.Close()

	var dirs []r3.Vec
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var x, y, z float64
		if _, err := fmt.Sscanf(line, "%g %g %g", &x, &y, &z); err != nil {
			continue // blank line or comment
		}
		dirs = append(dirs, r3.Vec{X: x, Y: y, Z: z})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("imgio: reading direction set: %w", err)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("imgio: direction set %q is empty", path)
	}
	return direction.NewSet(dirs), nil
}

const fodMagic = "TSFD" // tractosift FOD image

// FODImage is an opened FOD SH volume: dimensions, voxel geometry, the SH
// degree, and a streaming per-voxel coefficient reader.
type FODImage struct {
	NX, NY, NZ int
	VoxelSize  r3.Vec
	Origin     r3.Vec
	Lmax       int

	r    *bufio.Reader
	c    io.Closer
	ncoef int
}

// OpenFODImage opens a binary FOD volume written by WriteFODImage: a
// header (dims, voxel size, origin, lmax) followed by NX*NY*NZ
// fixed-length float32 coefficient vectors in Z-major, then Y, then X
// order.
func OpenFODImage(path string) (*FODImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imgio: opening FOD image: %w", err)
	}
	r := bufio.NewReader(f)
	buf := make([]byte, len(fodMagic))
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != fodMagic {
		f.Close()
		return nil, fmt.Errorf("imgio: not a tractosift FOD image")
	}
	var hdr struct {
		NX, NY, NZ int32
		VX, VY, VZ float64
		OX, OY, OZ float64
		Lmax       int32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("imgio: reading FOD image header: %w", err)
	}
	return &FODImage{
		NX: int(hdr.NX), NY: int(hdr.NY), NZ: int(hdr.NZ),
		VoxelSize: r3.Vec{X: hdr.VX, Y: hdr.VY, Z: hdr.VZ},
		Origin:    r3.Vec{X: hdr.OX, Y: hdr.OY, Z: hdr.OZ},
		Lmax:      int(hdr.Lmax),
		r:         r, c: f,
		ncoef: nforL(int(hdr.Lmax)),
	}, nil
}

func nforL(lmax int) int {
	n := 0
	for l := 0; l <= lmax; l += 2 {
		n += 2*l + 1
	}
	return n
}

// NumVoxels returns the total voxel count.
func (img *FODImage) NumVoxels() int { return img.NX * img.NY * img.NZ }

// VoxelIndex recovers the (x,y,z) voxel coordinate of the n-th voxel in
// file order.
func (img *FODImage) VoxelIndex(n int) fixel.VoxelIndex {
	z := n / (img.NX * img.NY)
	rem := n % (img.NX * img.NY)
	y := rem / img.NX
	x := rem % img.NX
	return fixel.VoxelIndex{X: x, Y: y, Z: z}
}

// Next reads the next voxel's SH coefficients, or io.EOF once every voxel
// has been read.
func (img *FODImage) Next() ([]float64, error) {
	raw := make([]float32, img.ncoef)
	if err := binary.Read(img.r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	out := make([]float64, img.ncoef)
	for i, v := range raw {
		out[i] = float64(v)
	}
	return out, nil
}

// Close releases the underlying file handle.
func (img *FODImage) Close() error { return img.c.Close() }

// WriteFODImage writes a FOD volume in OpenFODImage's format; used by
// tests and by tools that synthesise FOD images from simulated data.
func WriteFODImage(w io.Writer, nx, ny, nz int, voxelSize, origin r3.Vec, lmax int, voxels func(n int) []float64) error {
	if _, err := io.WriteString(w, fodMagic); err != nil {
		return err
	}
	hdr := struct {
		NX, NY, NZ int32
		VX, VY, VZ float64
		OX, OY, OZ float64
		Lmax       int32
	}{int32(nx), int32(ny), int32(nz), voxelSize.X, voxelSize.Y, voxelSize.Z, origin.X, origin.Y, origin.Z, int32(lmax)}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	n := nforL(lmax)
	for i := 0; i < nx*ny*nz; i++ {
		coefs := voxels(i)
		raw := make([]float32, n)
		for j := 0; j < n && j < len(coefs); j++ {
			raw[j] = float32(coefs[j])
		}
		if err := binary.Write(w, binary.LittleEndian, raw); err != nil {
			return err
		}
	}
	return nil
}

const fixelMagic = "TSFX" // tractosift fixel dataset

// ReadFixelFile loads a precomputed fixel dataset previously written by
// WriteFixelFile: per-voxel fixel direction/FD lists plus the shared
// direction-set lookup each voxel was segmented against.
func ReadFixelFile(path string, dirs *direction.Set) (*fixel.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imgio: opening fixel file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	buf := make([]byte, len(fixelMagic))
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != fixelMagic {
		return nil, fmt.Errorf("imgio: not a tractosift fixel file")
	}
	var hdr struct {
		VX, VY, VZ float64
		OX, OY, OZ float64
		NumVoxels  int32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("imgio: reading fixel file header: %w", err)
	}
	ds := fixel.NewDataset(r3.Vec{X: hdr.VX, Y: hdr.VY, Z: hdr.VZ}, r3.Vec{X: hdr.OX, Y: hdr.OY, Z: hdr.OZ})

	for v := 0; v < int(hdr.NumVoxels); v++ {
		var vh struct {
			X, Y, Z  int32
			NumLobes int32
		}
		if err := binary.Read(r, binary.LittleEndian, &vh); err != nil {
			return nil, fmt.Errorf("imgio: reading voxel %d header: %w", v, err)
		}
		seg := fixel.VoxelSegmentation{
			Voxel: fixel.VoxelIndex{X: int(vh.X), Y: int(vh.Y), Z: int(vh.Z)},
			Lobes: make([]fixel.LobeSummary, vh.NumLobes),
		}
		for l := range seg.Lobes {
			var rec struct{ DX, DY, DZ, Integral float64 }
			if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
				return nil, fmt.Errorf("imgio: reading voxel %d lobe %d: %w", v, l, err)
			}
			seg.Lobes[l] = fixel.LobeSummary{Direction: r3.Vec{X: rec.DX, Y: rec.DY, Z: rec.DZ}, Integral: rec.Integral}
		}
		lut := make([]int32, dirs.Size())
		if err := binary.Read(r, binary.LittleEndian, lut); err != nil {
			return nil, fmt.Errorf("imgio: reading voxel %d lookup: %w", v, err)
		}
		seg.Lookup = make([]int, len(lut))
		for i, x := range lut {
			seg.Lookup[i] = int(x)
		}
		if err := ds.AddVoxel(seg, dirs.Size()); err != nil {
			return nil, err
		}
	}
	ds.Build()
	return ds, nil
}

// WriteFixelFile serialises a fixel dataset to ReadFixelFile's format, the
// precomputed fixel dataset tcksift can read instead of an FOD image.
// Neither command calls it.
func WriteFixelFile(w io.Writer, ds *fixel.Dataset, dirs *direction.Set, voxelsInOrder []fixel.VoxelIndex, lobesByVoxel func(v fixel.VoxelIndex) fixel.VoxelSegmentation) error {
	if _, err := io.WriteString(w, fixelMagic); err != nil {
		return err
	}
	size, origin := ds.VoxelSize(), ds.Origin()
	hdr := struct {
		VX, VY, VZ float64
		OX, OY, OZ float64
		NumVoxels  int32
	}{size.X, size.Y, size.Z, origin.X, origin.Y, origin.Z, int32(len(voxelsInOrder))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, v := range voxelsInOrder {
		seg := lobesByVoxel(v)
		vh := struct {
			X, Y, Z  int32
			NumLobes int32
		}{int32(v.X), int32(v.Y), int32(v.Z), int32(len(seg.Lobes))}
		if err := binary.Write(w, binary.LittleEndian, vh); err != nil {
			return err
		}
		for _, l := range seg.Lobes {
			rec := struct{ DX, DY, DZ, Integral float64 }{l.Direction.X, l.Direction.Y, l.Direction.Z, l.Integral}
			if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
				return err
			}
		}
		lut := make([]int32, dirs.Size())
		for i, x := range seg.Lookup {
			lut[i] = int32(x)
		}
		if err := binary.Write(w, binary.LittleEndian, lut); err != nil {
			return err
		}
	}
	return nil
}

const fixelDataMagic = "TSFV" // tractosift fixel scalar data

// WriteFixelData writes one scalar per fixel, in the same fixel-index order
// as the companion index file (ReadFixelFile/WriteFixelFile), matching
// MRtrix3's convention of a separate per-fixel data file rather than
// embedding auxiliary scalars in the index itself.
func WriteFixelData(w io.Writer, values []float64) error {
	if _, err := io.WriteString(w, fixelDataMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(values))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, values)
}

// ReadFixelData reads a scalar-per-fixel data file written by WriteFixelData.
func ReadFixelData(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imgio: opening fixel data file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	buf := make([]byte, len(fixelDataMagic))
	if _, err := io.ReadFull(r, buf); err != nil || string(buf) != fixelDataMagic {
		return nil, fmt.Errorf("imgio: not a tractosift fixel data file")
	}
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("imgio: reading fixel data header: %w", err)
	}
	values := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("imgio: reading fixel data values: %w", err)
	}
	return values, nil
}

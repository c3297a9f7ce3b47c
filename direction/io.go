package direction

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Load reads a direction set from a whitespace-separated text file, one
// direction per line. Lines with two fields are interpreted as
// (azimuth, elevation) in degrees; lines with three fields are interpreted
// as unit Cartesian coordinates. Blank lines and lines starting with '#'
// are skipped.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("direction: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a direction set in the same format as Load, from an
// arbitrary reader.
func Read(r io.Reader) (*Set, error) {
	var dirs []r3.Vec
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		vals := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("direction: line %d: %w", lineNo, err)
			}
			vals[i] = v
		}
		switch len(vals) {
		case 2:
			az, el := vals[0]*math.Pi/180, vals[1]*math.Pi/180
			dirs = append(dirs, r3.Vec{
				X: math.Sin(el) * math.Cos(az),
				Y: math.Sin(el) * math.Sin(az),
				Z: math.Cos(el),
			})
		case 3:
			dirs = append(dirs, r3.Vec{X: vals[0], Y: vals[1], Z: vals[2]})
		default:
			return nil, fmt.Errorf("direction: line %d: expected 2 or 3 fields, got %d", lineNo, len(vals))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("direction: no directions read")
	}
	return NewSet(dirs), nil
}

// GoldenSpiral generates n near-uniformly distributed hemisphere directions
// using the golden-angle spiral construction. It is used to build the
// default direction set and as a deterministic test fixture generator;
// production direction sets are ordinarily loaded from disk via Load, but
// this gives the toolkit a usable default with no external file.
func GoldenSpiral(n int) []r3.Vec {
	dirs := make([]r3.Vec, n)
	const goldenAngle = math.Pi * (3 - 2.2360679774997896 /* sqrt(5) */)
	for i := 0; i < n; i++ {
		// Restrict z to [0,1] so every generated direction already lies in
		// one hemisphere, matching the antipodal-symmetric convention.
		z := (float64(i) + 0.5) / float64(n)
		r := math.Sqrt(1 - z*z)
		theta := goldenAngle * float64(i)
		dirs[i] = r3.Vec{X: r * math.Cos(theta), Y: r * math.Sin(theta), Z: z}
	}
	return dirs
}

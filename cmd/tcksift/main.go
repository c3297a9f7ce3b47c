// Command tcksift filters a tractogram to better match a fibre-density
// fixel dataset, removing streamlines by the SIFT algorithm. Grounded on
// inmaputil/cmd.go's cobra/viper wiring and cmd/inmap/main.go's top-level
// error handling.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dwimodel/tractosift/internal/cliutil"
	"github.com/dwimodel/tractosift/internal/imgio"
	"github.com/dwimodel/tractosift/internal/pipeline"
	"github.com/dwimodel/tractosift/mapping"
	"github.com/dwimodel/tractosift/sift"
	"github.com/dwimodel/tractosift/track"
)

var log = logrus.StandardLogger()

func options() []cliutil.Option {
	return []cliutil.Option{
		{Name: "directions", Usage: "direction-set text file (one 'x y z' per line)", Default: ""},
		{Name: "in-tracks", Usage: "input tractogram", Default: "", IsInputFile: true},
		{Name: "in-fixel", Usage: "input fibre-density fixel data file", Default: "", IsInputFile: true},
		{Name: "out-tracks", Usage: "output filtered tractogram", Default: "", IsOutputFile: true},
		{Name: "term-number", Usage: "stop once this many streamlines remain (0 disables)", Default: 0},
		{Name: "term-ratio", Usage: "stop once the cost-reduction-per-streamline-removed ratio falls below this (0 disables)", Default: 0.0},
		{Name: "term-mu", Usage: "stop once mu reaches this target (0 disables)", Default: 0.0},
		{Name: "csv", Usage: "optional CSV audit output path", Default: ""},
		{Name: "out-mu", Usage: "optional output text file recording the final mu", Default: ""},
		{Name: "out-selection", Usage: "optional output text file, one 0/1 per input streamline, 1 if retained", Default: ""},
		{Name: "output-at-counts", Usage: "comma-separated remaining-streamline counts at which to emit an intermediate filtered tractogram", Default: ""},
	}
}

func main() {
	cmd := &cobra.Command{
		Use:   "tcksift",
		Short: "Filter a tractogram against a fibre density fixel dataset.",
		Long:  "tcksift removes streamlines from a tractogram to reduce the mismatch between weighted track density and fibre orientation density, per MRtrix3's SIFT method.",
	}
	cfg, err := cliutil.New(cmd, options())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cmd.RunE = func(*cobra.Command, []string) error { return run(cfg) }

	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("tcksift failed")
		os.Exit(1)
	}
}

func run(cfg *cliutil.Cfg) error {
	if err := cfg.Preflight(); err != nil {
		return fmt.Errorf("tcksift: %w", err)
	}

	dirPath := cfg.GetString("directions")
	if dirPath == "" {
		return fmt.Errorf("tcksift: -directions is required")
	}
	dirs, err := imgio.ReadDirections(dirPath)
	if err != nil {
		return err
	}

	fixelPath := cfg.GetString("in-fixel")
	if fixelPath == "" {
		return fmt.Errorf("tcksift: -in-fixel is required")
	}
	ds, err := imgio.ReadFixelFile(fixelPath, dirs)
	if err != nil {
		return err
	}
	log.WithField("fixels", ds.NumFixels()).Info("loaded fixel dataset")

	tracksPath := cfg.GetString("in-tracks")
	if tracksPath == "" {
		return fmt.Errorf("tcksift: -in-tracks is required")
	}
	f, err := os.Open(tracksPath)
	if err != nil {
		return fmt.Errorf("tcksift: opening tractogram: %w", err)
	}
	r, err := track.NewReader(f)
	if err != nil {
		return err
	}
	defer r.Close()

	m := mapping.New(dirs, ds)
	var contributions []*sift.Contribution
	err = pipeline.MapTractogram(m, r, func(ms pipeline.MappedStreamline) error {
		c := sift.NewContribution(ds, ms.Touches, ms.Length)
		contributions = append(contributions, &c)
		ds.AccumulateContribution(ms.Touches)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tcksift: mapping tractogram: %w", err)
	}
	log.WithField("streamlines", len(contributions)).Info("mapped tractogram")

	sCfg, err := buildConfig(cfg, len(contributions))
	if err != nil {
		return err
	}
	if counts := parseOutputAtCounts(cfg.GetString("output-at-counts")); len(counts) > 0 {
		sCfg.OutputAtCounts = counts
		outPath := cfg.GetString("out-tracks")
		sCfg.OnIntermediate = func(remaining int, snapshot []*sift.Contribution) {
			path := intermediateTracksPath(outPath, remaining)
			if err := writeFilteredTracks(path, tracksPath, snapshot); err != nil {
				log.WithError(err).WithField("remaining", remaining).Error("failed to write intermediate tractogram")
				return
			}
			log.WithFields(logrus.Fields{"remaining": remaining, "path": path}).Info("wrote intermediate tractogram")
		}
	}

	filter := sift.NewFilter(ds, contributions, sCfg)
	result, err := filter.Run()
	if err != nil {
		return fmt.Errorf("tcksift: %w", err)
	}
	log.WithFields(logrus.Fields{
		"iterations":  result.Iterations,
		"removed":     result.RemovedTotal,
		"termination": result.TerminationInfo,
		"remaining":   filter.NumRemaining(),
	}).Info("SIFT filtering complete")

	if err := writeFilteredTracks(cfg.GetString("out-tracks"), tracksPath, contributions); err != nil {
		return err
	}
	if err := writeAudit(cfg, filter, result); err != nil {
		return err
	}
	return nil
}

// parseOutputAtCounts parses a comma-separated list of non-negative
// integers, ignoring empty fields, matching sifter.h's set_regular_outputs
// option.
func parseOutputAtCounts(s string) []int {
	if s == "" {
		return nil
	}
	var counts []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		counts = append(counts, n)
	}
	return counts
}

// intermediateTracksPath derives an intermediate-output path from the final
// output path by inserting the remaining-streamline count before the
// extension, e.g. "out.tck" at count 500 becomes "out_500.tck".
func intermediateTracksPath(outPath string, remaining int) string {
	ext := filepath.Ext(outPath)
	base := strings.TrimSuffix(outPath, ext)
	return fmt.Sprintf("%s_%d%s", base, remaining, ext)
}

func buildConfig(cfg *cliutil.Cfg, numStreamlines int) (sift.Config, error) {
	var sCfg sift.Config
	if n := cfg.GetInt("term-number"); n > 0 {
		sCfg.TermNumber = n
		sCfg.TermNumberSet = true
	}
	sCfg.TermRatio = cfg.GetFloat64("term-ratio")
	sCfg.TermMuTarget = cfg.GetFloat64("term-mu")
	if sCfg.TermNumberSet && sCfg.TermNumber > numStreamlines {
		return sCfg, fmt.Errorf("tcksift: -term-number %d exceeds streamline count %d", sCfg.TermNumber, numStreamlines)
	}
	return sCfg, nil
}

// writeFilteredTracks re-reads the input tractogram and writes out only
// the streamlines whose Contribution survived filtering, matching SIFT's
// in-place model of "contributions[i] == nil means removed" against the
// original file order.
func writeFilteredTracks(outPath, inPath string, contributions []*sift.Contribution) error {
	if outPath == "" {
		return fmt.Errorf("tcksift: -out-tracks is required")
	}
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("tcksift: reopening tractogram: %w", err)
	}
	defer in.Close()
	r, err := track.NewReader(in)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("tcksift: creating output tractogram: %w", err)
	}
	w, err := track.NewWriter(out, r.Properties())
	if err != nil {
		out.Close()
		return err
	}

	for i := 0; ; i++ {
		pts, err := r.Next()
		if err != nil {
			break
		}
		if i < len(contributions) && contributions[i] != nil {
			if err := w.Write(pts); err != nil {
				w.Close()
				return fmt.Errorf("tcksift: writing streamline %d: %w", i, err)
			}
		}
	}
	return w.Close()
}

func writeAudit(cfg *cliutil.Cfg, filter *sift.Filter, result sift.Result) error {
	if muPath := cfg.GetString("out-mu"); muPath != "" {
		if err := os.WriteFile(muPath, []byte(fmt.Sprintf("%.10g\n", filter.Mu())), 0o644); err != nil {
			return fmt.Errorf("tcksift: writing mu: %w", err)
		}
	}

	if selPath := cfg.GetString("out-selection"); selPath != "" {
		sf, err := os.Create(selPath)
		if err != nil {
			return fmt.Errorf("tcksift: creating selection output: %w", err)
		}
		defer sf.Close()
		for _, c := range filter.Contributions {
			sel := "1"
			if c == nil {
				sel = "0"
			}
			if _, err := fmt.Fprintln(sf, sel); err != nil {
				return err
			}
		}
	}

	if csvPath := cfg.GetString("csv"); csvPath != "" {
		cf, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("tcksift: creating CSV audit: %w", err)
		}
		defer cf.Close()
		if err := filter.WriteCSV(cf, result); err != nil {
			return fmt.Errorf("tcksift: writing CSV audit: %w", err)
		}
	}
	return nil
}

// Command tcksift2 runs the SIFT2 non-linear streamline-weighting
// optimiser over a tractogram and an FOD SH image, writing one weight per
// streamline. Grounded on inmaputil/cmd.go's cobra/viper wiring and
// cmd/inmap/main.go's top-level error handling.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dwimodel/tractosift/fmls"
	"github.com/dwimodel/tractosift/internal/cliutil"
	"github.com/dwimodel/tractosift/internal/imgio"
	"github.com/dwimodel/tractosift/internal/pipeline"
	"github.com/dwimodel/tractosift/mapping"
	"github.com/dwimodel/tractosift/sift2"
	"github.com/dwimodel/tractosift/track"
)

var log = logrus.StandardLogger()

func options() []cliutil.Option {
	return []cliutil.Option{
		{Name: "directions", Usage: "direction-set text file (one 'x y z' per line)", Default: ""},
		{Name: "lmax", Usage: "maximum spherical harmonic degree of the FOD image", Default: 8},
		{Name: "in-tracks", Usage: "input tractogram", Default: "", IsInputFile: true},
		{Name: "in-fod", Usage: "input FOD SH image", Default: "", IsInputFile: true},
		{Name: "out-weights", Usage: "output per-streamline weights text file", Default: "", IsOutputFile: true},
		{Name: "out-coeffs", Usage: "optional output raw coefficients text file", Default: ""},
		{Name: "out-mu", Usage: "optional output text file recording the final mu", Default: ""},
		{Name: "reg-tikhonov", Usage: "Tikhonov regularisation weight", Default: sift2.DefaultRegTikhonov},
		{Name: "reg-tv", Usage: "total-variation regularisation weight", Default: sift2.DefaultRegTV},
		{Name: "min-td-frac", Usage: "minimum mu*TD/FD ratio before a fixel is excluded", Default: sift2.DefaultMinTDFraction},
		{Name: "min-iters", Usage: "minimum number of non-linear iterations", Default: sift2.DefaultMinIters},
		{Name: "max-iters", Usage: "maximum number of non-linear iterations", Default: sift2.DefaultMaxIters},
		{Name: "min-factor", Usage: "minimum streamline weighting factor (mutually exclusive with min-coeff)", Default: 0.0},
		{Name: "min-coeff", Usage: "minimum streamline coefficient (mutually exclusive with min-factor)", Default: 0.0},
		{Name: "max-factor", Usage: "maximum streamline weighting factor (mutually exclusive with max-coeff)", Default: 0.0},
		{Name: "max-coeff", Usage: "maximum streamline coefficient (mutually exclusive with max-factor)", Default: 0.0},
		{Name: "max-coeff-step", Usage: "maximum per-iteration coefficient step", Default: sift2.DefaultMaxCoeffStep},
		{Name: "min-cf-decrease", Usage: "minimum fractional cost decrease before declaring convergence", Default: sift2.DefaultMinCFDecrease},
		{Name: "linear", Usage: "run only the closed-form (AFCSA) linear mode, skipping the non-linear loop", Default: false},
		{Name: "units", Usage: "output units: NOS|none|AFD/mm|AFD.mm-1|AFD.mm^-1|mm2|mm^2", Default: "mm2"},
	}
}

func main() {
	cmd := &cobra.Command{
		Use:   "tcksift2",
		Short: "Determine streamline weights from SIFT2 cross-sectional fitting.",
		Long:  "tcksift2 assigns every streamline in a tractogram a continuous weighting factor so the weighted track density reproduces the fibre orientation density, per MRtrix3's SIFT2 method.",
	}
	cfg, err := cliutil.New(cmd, options())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cmd.RunE = func(*cobra.Command, []string) error { return run(cfg) }

	if err := cmd.Execute(); err != nil {
		log.WithError(err).Error("tcksift2 failed")
		os.Exit(1)
	}
}

func run(cfg *cliutil.Cfg) error {
	if err := cfg.Preflight(); err != nil {
		return fmt.Errorf("tcksift2: %w", err)
	}

	dirPath := cfg.GetString("directions")
	if dirPath == "" {
		return fmt.Errorf("tcksift2: -directions is required")
	}
	dirs, err := imgio.ReadDirections(dirPath)
	if err != nil {
		return err
	}
	log.WithField("count", dirs.Size()).Info("loaded direction set")

	img, err := imgio.OpenFODImage(cfg.GetString("in-fod"))
	if err != nil {
		return err
	}
	defer img.Close()

	seg := fmls.NewSegmenter(dirs, img.Lmax)
	ds, err := pipeline.SegmentFODImage(img, seg, dirs)
	if err != nil {
		return fmt.Errorf("tcksift2: segmenting FOD image: %w", err)
	}
	log.WithField("fixels", ds.NumFixels()).Info("segmented FOD image")

	sCfg, err := buildConfig(cfg)
	if err != nil {
		return err
	}

	r, err := openTracks(cfg.GetString("in-tracks"))
	if err != nil {
		return err
	}
	defer r.Close()

	m := mapping.New(dirs, ds)
	var contributions []sift2.Contribution
	err = pipeline.MapTractogram(m, r, func(ms pipeline.MappedStreamline) error {
		contributions = append(contributions, sift2.Contribution{Touches: ms.Touches, Length: ms.Length})
		return nil
	})
	if err != nil {
		return fmt.Errorf("tcksift2: mapping tractogram: %w", err)
	}
	log.WithField("streamlines", len(contributions)).Info("mapped tractogram")

	o := sift2.New(ds, contributions, sCfg)
	if excluded := o.ExcludeLowDensityFixels(); excluded > 0 {
		log.WithField("excluded", excluded).Info("excluded low-density fixels")
	}

	if !cfg.GetBool("linear") {
		result := o.Run()
		log.WithFields(logrus.Fields{
			"iterations": result.Iterations,
			"converged":  result.Converged,
		}).Info("non-linear optimisation complete")
	} else {
		o.RunLinear()
	}

	if err := writeOutput(cfg, o); err != nil {
		return err
	}
	return nil
}

func openTracks(path string) (track.Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("tcksift2: -in-tracks is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tcksift2: opening tractogram: %w", err)
	}
	return track.NewReader(f)
}

func buildConfig(cfg *cliutil.Cfg) (sift2.Config, error) {
	sCfg := sift2.DefaultConfig()
	sCfg.RegTikhonov = cfg.GetFloat64("reg-tikhonov")
	sCfg.RegTV = cfg.GetFloat64("reg-tv")
	sCfg.MinTDFrac = cfg.GetFloat64("min-td-frac")
	sCfg.MinIters = cfg.GetInt("min-iters")
	sCfg.MaxIters = cfg.GetInt("max-iters")
	sCfg.MaxCoeffStep = cfg.GetFloat64("max-coeff-step")
	sCfg.MinCFDecrease = cfg.GetFloat64("min-cf-decrease")

	minFactor, minCoeff := cfg.GetFloat64("min-factor"), cfg.GetFloat64("min-coeff")
	if minFactor != 0 && minCoeff != 0 {
		return sCfg, fmt.Errorf("tcksift2: -min-factor and -min-coeff are mutually exclusive")
	}
	if minFactor != 0 {
		sCfg.SetMinFactor(minFactor)
	} else if minCoeff != 0 {
		sCfg.MinCoeff = minCoeff
	}

	maxFactor, maxCoeff := cfg.GetFloat64("max-factor"), cfg.GetFloat64("max-coeff")
	if maxFactor != 0 && maxCoeff != 0 {
		return sCfg, fmt.Errorf("tcksift2: -max-factor and -max-coeff are mutually exclusive")
	}
	if maxFactor != 0 {
		sCfg.SetMaxFactor(maxFactor)
	} else if maxCoeff != 0 {
		sCfg.MaxCoeff = maxCoeff
	}

	units, err := sift2.ParseUnits(cfg.GetString("units"))
	if err != nil {
		return sCfg, fmt.Errorf("tcksift2: %w", err)
	}
	sCfg.Units = units

	if err := sCfg.Validate(); err != nil {
		return sCfg, err
	}
	return sCfg, nil
}

func writeOutput(cfg *cliutil.Cfg, o *sift2.Optimizer) error {
	outPath := cfg.GetString("out-weights")
	if outPath == "" {
		return fmt.Errorf("tcksift2: -out-weights is required")
	}
	wf, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("tcksift2: creating weights output: %w", err)
	}
	defer wf.Close()
	if err := o.WriteWeights(wf); err != nil {
		return fmt.Errorf("tcksift2: writing weights: %w", err)
	}

	if coefPath := cfg.GetString("out-coeffs"); coefPath != "" {
		cf, err := os.Create(coefPath)
		if err != nil {
			return fmt.Errorf("tcksift2: creating coefficients output: %w", err)
		}
		defer cf.Close()
		if err := o.WriteCoefficients(cf); err != nil {
			return fmt.Errorf("tcksift2: writing coefficients: %w", err)
		}
	}

	if muPath := cfg.GetString("out-mu"); muPath != "" {
		if err := os.WriteFile(muPath, []byte(fmt.Sprintf("%.10g\n", o.Mu())), 0o644); err != nil {
			return fmt.Errorf("tcksift2: writing mu: %w", err)
		}
	}
	return nil
}

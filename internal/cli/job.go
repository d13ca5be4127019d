package cli

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// jobFlags are shared by submit and preflight
type jobFlags struct {
	uri       string
	width     int
	height    int
	units     []string
	steps     int
	quality   string
	tileSize  int
	lowMemory bool
	model     string
	callback  string
	metadata  []string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.uri, "uri", "", "payload URI the backend fetches itself (instead of a file)")
	cmd.Flags().IntVar(&f.width, "width", 0, "payload width, required with --uri")
	cmd.Flags().IntVar(&f.height, "height", 0, "payload height, required with --uri")
	cmd.Flags().StringArrayVarP(&f.units, "unit", "u", []string{}, "region to inpaint as x,y,w,h[,confidence] (repeatable)")
	cmd.Flags().IntVar(&f.steps, "steps", 0, "sampling steps")
	cmd.Flags().StringVarP(&f.quality, "quality", "q", "", "quality tier (original, crop, resize)")
	cmd.Flags().IntVar(&f.tileSize, "tile-size", 0, "tile size")
	cmd.Flags().BoolVar(&f.lowMemory, "low-memory", false, "ask the backend for its low memory mode")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.callback, "callback", "", "URL notified when the job finishes")
	cmd.Flags().StringArrayVarP(&f.metadata, "meta", "m", []string{}, "metadata (KEY=VALUE)")
}

// build assembles a job from the flags and an optional image file
func (f *jobFlags) build(args []string) (types.Job, error) {
	job := types.Job{
		CallbackURL: f.callback,
		Metadata:    parseMetadata(f.metadata),
		Params: types.ProcessingParams{
			Model:       f.model,
			Steps:       f.steps,
			QualityTier: types.QualityTier(f.quality),
			TileSize:    f.tileSize,
			LowMemory:   f.lowMemory,
		},
	}

	switch f.quality {
	case "", string(types.QualityOriginal), string(types.QualityCrop), string(types.QualityResize):
	default:
		return types.Job{}, fmt.Errorf("unknown quality tier %q (valid options: original, crop, resize)", f.quality)
	}

	switch {
	case len(args) == 1:
		payload, err := loadPayload(args[0])
		if err != nil {
			return types.Job{}, err
		}
		job.Payload = payload
	case f.uri != "":
		if f.width <= 0 || f.height <= 0 {
			return types.Job{}, fmt.Errorf("--width and --height are required with --uri")
		}
		job.Payload = types.PayloadDescriptor{URI: f.uri, Width: f.width, Height: f.height}
	default:
		return types.Job{}, fmt.Errorf("an image file or --uri is required")
	}

	for _, raw := range f.units {
		unit, err := parseUnit(raw)
		if err != nil {
			return types.Job{}, err
		}
		job.Units = append(job.Units, unit)
	}
	return job, nil
}

// loadPayload reads an image file and describes it
func loadPayload(path string) (types.PayloadDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.PayloadDescriptor{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return types.PayloadDescriptor{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	bounds := img.Bounds()

	return types.PayloadDescriptor{
		URI:       path,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		SizeBytes: int64(len(data)),
		Format:    mimetype.Detect(data).String(),
		Data:      data,
	}, nil
}

// parseUnit parses "x,y,w,h" with an optional trailing confidence
func parseUnit(raw string) (types.UnitDescriptor, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return types.UnitDescriptor{}, fmt.Errorf("invalid unit %q: expected x,y,w,h[,confidence]", raw)
	}

	var ints [4]int
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return types.UnitDescriptor{}, fmt.Errorf("invalid unit %q: %w", raw, err)
		}
		ints[i] = v
	}
	if ints[0] < 0 || ints[1] < 0 || ints[2] <= 0 || ints[3] <= 0 {
		return types.UnitDescriptor{}, fmt.Errorf("invalid unit %q: negative origin or empty size", raw)
	}

	unit := types.UnitDescriptor{X: ints[0], Y: ints[1], Width: ints[2], Height: ints[3], Confidence: 1}
	if len(parts) == 5 {
		conf, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err != nil || conf < 0 || conf > 1 {
			return types.UnitDescriptor{}, fmt.Errorf("invalid unit %q: confidence must be within 0-1", raw)
		}
		unit.Confidence = conf
	}
	return unit, nil
}

func parseMetadata(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if ok && key != "" {
			meta[key] = value
		}
	}
	return meta
}

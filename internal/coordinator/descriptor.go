package coordinator

import (
	"bytes"
	"fmt"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/danpasecinic/inpaintd/internal/types"
)

// prepareJob fills default parameters and fixes the unit list so the unit
// count is known before the task is registered
func prepareJob(job types.Job) types.Job {
	job.Params = job.Params.WithDefaults()
	job.Units = normalizeUnits(job.Payload, job.Units)
	return job
}

// normalizeUnits clamps units to the payload bounds and drops the ones left
// without area. A job without usable units processes the whole payload.
func normalizeUnits(payload types.PayloadDescriptor, units []types.UnitDescriptor) []types.UnitDescriptor {
	out := make([]types.UnitDescriptor, 0, len(units))
	bounded := payload.Width > 0 && payload.Height > 0

	for _, u := range units {
		if bounded {
			x0 := clampInt(u.X, 0, payload.Width)
			y0 := clampInt(u.Y, 0, payload.Height)
			x1 := clampInt(u.X+u.Width, 0, payload.Width)
			y1 := clampInt(u.Y+u.Height, 0, payload.Height)
			u.X, u.Y, u.Width, u.Height = x0, y0, x1-x0, y1-y0
		}
		if u.Area() == 0 {
			continue
		}
		out = append(out, u)
	}

	if len(out) == 0 {
		out = append(
			out, types.UnitDescriptor{
				Width:      payload.Width,
				Height:     payload.Height,
				Confidence: 1,
				Label:      "full",
			},
		)
	}
	return out
}

// buildDescriptor downsizes an inline payload whose longest side exceeds
// the resize limit when the resize tier is selected. Units are scaled to
// the new size. Payloads sent by reference are left for the backend.
func buildDescriptor(job types.Job) (types.Job, bool, error) {
	p := job.Params
	if p.QualityTier != types.QualityResize || p.ResizeLimit <= 0 || len(job.Payload.Data) == 0 {
		return job, false, nil
	}
	if job.Payload.Width > 0 && job.Payload.Height > 0 &&
		max(job.Payload.Width, job.Payload.Height) <= p.ResizeLimit {
		return job, false, nil
	}

	img, err := imaging.Decode(bytes.NewReader(job.Payload.Data), imaging.AutoOrientation(true))
	if err != nil {
		return job, false, fmt.Errorf("failed to decode payload: %w", err)
	}
	bounds := img.Bounds()
	if max(bounds.Dx(), bounds.Dy()) <= p.ResizeLimit {
		job.Payload.Width, job.Payload.Height = bounds.Dx(), bounds.Dy()
		return job, false, nil
	}

	resized := imaging.Fit(img, p.ResizeLimit, p.ResizeLimit, imaging.Lanczos)

	format, err := imaging.FormatFromExtension(mimetype.Detect(job.Payload.Data).Extension())
	if err != nil {
		format = imaging.PNG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return job, false, fmt.Errorf("failed to encode resized payload: %w", err)
	}

	scale := float64(resized.Bounds().Dx()) / float64(bounds.Dx())
	job.Units = scaleUnits(job.Units, scale)
	job.Payload.Data = buf.Bytes()
	job.Payload.SizeBytes = int64(buf.Len())
	job.Payload.Width = resized.Bounds().Dx()
	job.Payload.Height = resized.Bounds().Dy()
	return job, true, nil
}

func scaleUnits(units []types.UnitDescriptor, scale float64) []types.UnitDescriptor {
	out := make([]types.UnitDescriptor, len(units))
	for i, u := range units {
		u.X = int(math.Floor(float64(u.X) * scale))
		u.Y = int(math.Floor(float64(u.Y) * scale))
		u.Width = max(1, int(math.Ceil(float64(u.Width)*scale)))
		u.Height = max(1, int(math.Ceil(float64(u.Height)*scale)))
		out[i] = u
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

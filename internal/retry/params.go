package retry

import "github.com/danpasecinic/inpaintd/internal/types"

const (
	reductionFactor = 0.75

	MinSteps       = 10
	MinTileSize    = 128
	MinResizeLimit = 512
)

// Reduce returns a cheaper copy of params for a retry after a failure with
// the given reason. Every expensive parameter above its floor shrinks by 25%
// and the quality tier steps down. Memory failures force the memory-saving
// flags on.
func Reduce(params types.ProcessingParams, reason types.ErrorReason) types.ProcessingParams {
	out := params
	out.Steps = shrink(params.Steps, MinSteps)
	out.TileSize = shrink(params.TileSize, MinTileSize)
	out.ResizeLimit = shrink(params.ResizeLimit, MinResizeLimit)
	out.QualityTier = params.QualityTier.Cheaper()

	switch reason {
	case types.ReasonMemoryExhausted:
		out.LowMemory = true
	case types.ReasonGPUMemoryExhausted:
		out.LowMemory = true
		out.CPUOffload = true
	}
	return out
}

func shrink(v, floor int) int {
	if v <= floor {
		return v
	}
	reduced := int(float64(v) * reductionFactor)
	if reduced >= v {
		reduced = v - 1
	}
	if reduced < floor {
		return floor
	}
	return reduced
}

// bestOf returns the field-wise most frequent values across patterns.
// patterns are ordered newest first, so ties resolve to the newest value.
func bestOf(patterns []types.ProcessingParams) types.ProcessingParams {
	return types.ProcessingParams{
		Model:       mode(patterns, func(p types.ProcessingParams) string { return p.Model }),
		Steps:       mode(patterns, func(p types.ProcessingParams) int { return p.Steps }),
		QualityTier: mode(patterns, func(p types.ProcessingParams) types.QualityTier { return p.QualityTier }),
		ResizeLimit: mode(patterns, func(p types.ProcessingParams) int { return p.ResizeLimit }),
		CropMargin:  mode(patterns, func(p types.ProcessingParams) int { return p.CropMargin }),
		CropTrigger: mode(patterns, func(p types.ProcessingParams) int { return p.CropTrigger }),
		TileSize:    mode(patterns, func(p types.ProcessingParams) int { return p.TileSize }),
		LowMemory:   mode(patterns, func(p types.ProcessingParams) bool { return p.LowMemory }),
		CPUOffload:  mode(patterns, func(p types.ProcessingParams) bool { return p.CPUOffload }),
	}
}

func mode[T comparable](patterns []types.ProcessingParams, get func(types.ProcessingParams) T) T {
	counts := make(map[T]int, len(patterns))
	var best T
	bestCount := 0
	for _, p := range patterns {
		v := get(p)
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

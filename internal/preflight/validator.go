package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/logger"
	"github.com/danpasecinic/inpaintd/internal/types"
)

const (
	checkPayloadSize     = "payload_size"
	checkPayloadFormat   = "payload_format"
	checkUnitCount       = "unit_count"
	checkUnitCoverage    = "unit_coverage"
	checkUnitConfidence  = "unit_confidence"
	checkMemory          = "memory"
	checkCPU             = "cpu"
	checkDisk            = "disk"
	checkResourceProbe   = "resource_probe"
	checkParameterSteps  = "parameter_steps"
	checkParameterTier   = "parameter_quality_tier"
	checkParameterTiles  = "parameter_tile_size"
	checkParameterResize = "parameter_resize_limit"

	memoryMargin = 1.5
	minDiskFree  = 1 << 30

	proceedScore = 50
)

var supportedFormats = []string{"image/png", "image/jpeg", "image/webp"}

// Validator scores the risk of running a job before it is dispatched
type Validator struct {
	probe  ResourceProbe
	logger *zap.Logger
}

// NewValidator creates a validator. probe may be nil, in which case live
// resource checks are skipped.
func NewValidator(probe ResourceProbe, log *zap.Logger) *Validator {
	return &Validator{
		probe:  probe,
		logger: logger.OrNop(log).With(zap.String("component", "preflight")),
	}
}

// finding is a check result plus the parameter changes that would lower it
type finding struct {
	types.ValidationResult
	patch types.ParamsPatch
}

// Validate runs every check group and aggregates the verdict
func (v *Validator) Validate(
	ctx context.Context, payload types.PayloadDescriptor, units []types.UnitDescriptor, params types.ProcessingParams,
) types.PreprocessingReport {
	params = params.WithDefaults()
	estimate := estimateResources(payload, units, params)

	var findings []finding
	findings = append(findings, checkSize(payload))
	findings = append(findings, checkFormat(payload))
	findings = append(findings, checkUnits(payload, units)...)
	findings = append(findings, v.checkResources(ctx, estimate)...)
	findings = append(findings, checkParams(payload, params)...)

	report := aggregate(findings)
	report.Estimated = estimate

	v.logger.Debug(
		"preflight complete",
		zap.String("risk", string(report.OverallRisk)),
		zap.Float64("score", report.Score),
		zap.Bool("proceed", report.ShouldProceed),
	)
	return report
}

func aggregate(findings []finding) types.PreprocessingReport {
	report := types.PreprocessingReport{
		OverallRisk: types.RiskLow,
		Results:     make([]types.ValidationResult, 0, len(findings)),
	}

	score := 100.0
	confidence := 0.0
	for _, f := range findings {
		report.Results = append(report.Results, f.ValidationResult)
		confidence += f.Confidence

		if f.Risk.Severity() > report.OverallRisk.Severity() {
			report.OverallRisk = f.Risk
		}
		switch f.Risk {
		case types.RiskCritical:
			score -= 40
		case types.RiskHigh:
			score -= 25
		case types.RiskMedium:
			score -= 10
		default:
			score += 2
		}
		if f.Recommendation != "" {
			report.Recommendations = append(report.Recommendations, f.Recommendation)
		}
	}

	switch {
	case report.Count(types.RiskHigh) > 1:
		report.OverallRisk = types.RiskCritical
	case report.Count(types.RiskMedium) > 2 && !report.OverallRisk.AtLeast(types.RiskHigh):
		report.OverallRisk = types.RiskHigh
	}

	if len(findings) > 0 {
		score *= confidence / float64(len(findings))
	}
	report.Score = clampScore(score)
	report.ShouldProceed = report.OverallRisk != types.RiskCritical && report.Score >= proceedScore

	if report.ShouldProceed && report.OverallRisk.AtLeast(types.RiskMedium) {
		for _, f := range findings {
			if f.Risk.AtLeast(types.RiskMedium) {
				report.Adjustments = merge(report.Adjustments, f.patch)
			}
		}
	}
	return report
}

func checkSize(payload types.PayloadDescriptor) finding {
	mp := payload.Megapixels()
	f := finding{ValidationResult: types.ValidationResult{Check: checkPayloadSize, Confidence: 0.9}}

	if payload.Width <= 0 || payload.Height <= 0 {
		f.Risk = types.RiskMedium
		f.Confidence = 0.4
		f.Message = "payload dimensions are unknown"
		f.Recommendation = "Provide the image dimensions so resource needs can be estimated"
		return f
	}

	switch {
	case mp > 25 || payload.SizeBytes > 100<<20:
		f.Risk = types.RiskCritical
		f.Message = fmt.Sprintf("payload is %.1f MP (%s), above the processable limit", mp, types.FormatMemory(payload.SizeBytes))
		f.Recommendation = "Downscale the image below 25 MP before submitting"
	case mp > 12:
		f.Risk = types.RiskHigh
		f.Message = fmt.Sprintf("payload is %.1f MP", mp)
		f.Recommendation = "Use the resize quality tier for very large images"
		f.patch = types.ParamsPatch{QualityTier: tierPtr(types.QualityResize), ResizeLimit: intPtr(1536)}
	case mp > 4:
		f.Risk = types.RiskMedium
		f.Message = fmt.Sprintf("payload is %.1f MP", mp)
		f.patch = types.ParamsPatch{QualityTier: tierPtr(types.QualityCrop)}
	default:
		f.Risk = types.RiskLow
		f.Message = fmt.Sprintf("payload is %.1f MP", mp)
	}
	return f
}

func checkFormat(payload types.PayloadDescriptor) finding {
	f := finding{ValidationResult: types.ValidationResult{Check: checkPayloadFormat}}

	if len(payload.Data) > 0 {
		detected := mimetype.Detect(payload.Data)
		f.Confidence = 0.95
		if !mimetype.EqualsAny(detected.String(), supportedFormats...) {
			f.Risk = types.RiskCritical
			f.Message = fmt.Sprintf("payload content is %s, not a supported image", detected.String())
			f.Recommendation = "Submit a PNG, JPEG or WebP image"
			return f
		}
		f.Risk = types.RiskLow
		f.Message = fmt.Sprintf("payload content is %s", detected.String())
		return f
	}

	if payload.Format == "" {
		f.Risk = types.RiskLow
		f.Confidence = 0.5
		f.Message = "payload format not declared"
		return f
	}

	f.Confidence = 0.6
	declared := strings.ToLower(payload.Format)
	if !strings.Contains(declared, "/") {
		declared = "image/" + strings.TrimPrefix(declared, ".")
	}
	if declared == "image/jpg" {
		declared = "image/jpeg"
	}
	for _, supported := range supportedFormats {
		if declared == supported {
			f.Risk = types.RiskLow
			f.Message = fmt.Sprintf("declared format %s", declared)
			return f
		}
	}
	f.Risk = types.RiskMedium
	f.Message = fmt.Sprintf("declared format %s may not be supported", declared)
	f.Recommendation = "Convert the image to PNG or JPEG"
	return f
}

func checkUnits(payload types.PayloadDescriptor, units []types.UnitDescriptor) []finding {
	count := finding{ValidationResult: types.ValidationResult{Check: checkUnitCount, Confidence: 0.9}}
	n := len(units)
	switch {
	case n > 100:
		count.Risk = types.RiskCritical
		count.Message = fmt.Sprintf("%d regions exceed the per-job limit", n)
		count.Recommendation = "Split the job into smaller submissions"
	case n > 50:
		count.Risk = types.RiskHigh
		count.Message = fmt.Sprintf("%d regions", n)
		count.Recommendation = "Merge adjacent regions to reduce backend calls"
		count.patch = types.ParamsPatch{Steps: intPtr(30)}
	case n > 20:
		count.Risk = types.RiskMedium
		count.Message = fmt.Sprintf("%d regions", n)
	case n == 0:
		count.Risk = types.RiskLow
		count.Message = "no regions, the whole payload is one region"
	default:
		count.Risk = types.RiskLow
		count.Message = fmt.Sprintf("%d regions", n)
	}

	if n == 0 {
		return []finding{count}
	}

	var covered int64
	var confidenceSum float64
	for _, u := range units {
		covered += u.Area()
		confidenceSum += clampUnit(u.Confidence)
	}
	avgConfidence := confidenceSum / float64(n)

	findings := []finding{count}

	if area := payload.Area(); area > 0 {
		ratio := float64(covered) / float64(area)
		if ratio > 1 {
			ratio = 1
		}
		coverage := finding{
			ValidationResult: types.ValidationResult{
				Check:      checkUnitCoverage,
				Confidence: avgConfidence,
				Message:    fmt.Sprintf("regions cover %.0f%% of the payload", ratio*100),
			},
		}
		switch {
		case ratio > 0.8:
			coverage.Risk = types.RiskHigh
			coverage.Recommendation = "Regions cover most of the image; verify the detections"
			coverage.patch = types.ParamsPatch{QualityTier: tierPtr(types.QualityResize)}
		case ratio > 0.5:
			coverage.Risk = types.RiskMedium
		default:
			coverage.Risk = types.RiskLow
		}
		findings = append(findings, coverage)
	}

	conf := finding{
		ValidationResult: types.ValidationResult{
			Check:      checkUnitConfidence,
			Confidence: avgConfidence,
			Message:    fmt.Sprintf("average region confidence %.2f", avgConfidence),
		},
	}
	switch {
	case avgConfidence < 0.5:
		conf.Risk = types.RiskMedium
		conf.Recommendation = "Region detection confidence is low; review the regions"
	default:
		conf.Risk = types.RiskLow
	}
	return append(findings, conf)
}

func (v *Validator) checkResources(ctx context.Context, estimate types.ResourceEstimate) []finding {
	if v.probe == nil {
		return nil
	}

	res, err := v.probe.Available(ctx)
	if err != nil {
		v.logger.Warn("resource probe failed", zap.Error(err))
		return []finding{
			{
				ValidationResult: types.ValidationResult{
					Check:      checkResourceProbe,
					Risk:       types.RiskMedium,
					Confidence: 0.3,
					Message:    "live resources could not be read",
				},
			},
		}
	}

	memory := finding{ValidationResult: types.ValidationResult{Check: checkMemory, Confidence: 0.8}}
	need := estimate.MemoryBytes
	switch {
	case res.MemoryAvailable < need:
		memory.Risk = types.RiskCritical
		memory.Message = fmt.Sprintf(
			"%s available, %s needed", types.FormatMemory(res.MemoryAvailable), types.FormatMemory(need),
		)
		memory.Recommendation = "Free memory or reduce the payload size"
	case float64(res.MemoryAvailable) < float64(need)*memoryMargin:
		memory.Risk = types.RiskHigh
		memory.Message = fmt.Sprintf(
			"%s available is within the safety margin of %s needed",
			types.FormatMemory(res.MemoryAvailable), types.FormatMemory(need),
		)
		memory.Recommendation = "Enable low-memory mode"
		memory.patch = types.ParamsPatch{LowMemory: boolPtr(true), TileSize: intPtr(256)}
	default:
		memory.Risk = types.RiskLow
		memory.Message = fmt.Sprintf("%s available", types.FormatMemory(res.MemoryAvailable))
	}

	cpuCheck := finding{ValidationResult: types.ValidationResult{Check: checkCPU, Confidence: 0.7}}
	switch {
	case res.CPUPercent > 90:
		cpuCheck.Risk = types.RiskHigh
		cpuCheck.Message = fmt.Sprintf("cpu at %.0f%%", res.CPUPercent)
		cpuCheck.Recommendation = "Wait for running jobs to finish"
	case res.CPUPercent > 75:
		cpuCheck.Risk = types.RiskMedium
		cpuCheck.Message = fmt.Sprintf("cpu at %.0f%%", res.CPUPercent)
	default:
		cpuCheck.Risk = types.RiskLow
		cpuCheck.Message = fmt.Sprintf("cpu at %.0f%%", res.CPUPercent)
	}

	diskCheck := finding{ValidationResult: types.ValidationResult{Check: checkDisk, Confidence: 0.8}}
	if res.DiskFree < minDiskFree {
		diskCheck.Risk = types.RiskHigh
		diskCheck.Message = fmt.Sprintf("only %s of disk free", types.FormatMemory(res.DiskFree))
		diskCheck.Recommendation = "Prune old results"
	} else {
		diskCheck.Risk = types.RiskLow
		diskCheck.Message = fmt.Sprintf("%s of disk free", types.FormatMemory(res.DiskFree))
	}

	return []finding{memory, cpuCheck, diskCheck}
}

func checkParams(payload types.PayloadDescriptor, params types.ProcessingParams) []finding {
	steps := finding{ValidationResult: types.ValidationResult{Check: checkParameterSteps, Confidence: 0.9}}
	switch {
	case params.Steps > 100:
		steps.Risk = types.RiskHigh
		steps.Message = fmt.Sprintf("%d steps", params.Steps)
		steps.Recommendation = "Use 50 steps or fewer"
		steps.patch = types.ParamsPatch{Steps: intPtr(50)}
	case params.Steps > 75:
		steps.Risk = types.RiskMedium
		steps.Message = fmt.Sprintf("%d steps", params.Steps)
		steps.patch = types.ParamsPatch{Steps: intPtr(50)}
	default:
		steps.Risk = types.RiskLow
		steps.Message = fmt.Sprintf("%d steps", params.Steps)
	}

	findings := []finding{steps}

	if params.QualityTier == types.QualityOriginal && payload.Megapixels() > 4 {
		findings = append(
			findings, finding{
				ValidationResult: types.ValidationResult{
					Check:          checkParameterTier,
					Risk:           types.RiskMedium,
					Confidence:     0.8,
					Message:        "original quality tier on a large payload",
					Recommendation: "Use the crop quality tier",
				},
				patch: types.ParamsPatch{QualityTier: tierPtr(types.QualityCrop)},
			},
		)
	}

	if params.TileSize > 1024 {
		findings = append(
			findings, finding{
				ValidationResult: types.ValidationResult{
					Check:      checkParameterTiles,
					Risk:       types.RiskMedium,
					Confidence: 0.8,
					Message:    fmt.Sprintf("tile size %d", params.TileSize),
				},
				patch: types.ParamsPatch{TileSize: intPtr(512)},
			},
		)
	}

	if params.ResizeLimit > 4096 {
		findings = append(
			findings, finding{
				ValidationResult: types.ValidationResult{
					Check:      checkParameterResize,
					Risk:       types.RiskMedium,
					Confidence: 0.8,
					Message:    fmt.Sprintf("resize limit %d", params.ResizeLimit),
				},
				patch: types.ParamsPatch{ResizeLimit: intPtr(2048)},
			},
		)
	}
	return findings
}

// estimateResources predicts memory and time for the job. The model weights
// dominate small jobs; pixel buffers dominate large ones.
func estimateResources(
	payload types.PayloadDescriptor, units []types.UnitDescriptor, params types.ProcessingParams,
) types.ResourceEstimate {
	const (
		modelBytes    = 1 << 30
		bytesPerPixel = 48
	)

	pixels := payload.Area()
	if params.QualityTier != types.QualityOriginal && params.ResizeLimit > 0 {
		limit := int64(params.ResizeLimit) * int64(params.ResizeLimit)
		if pixels > limit {
			pixels = limit
		}
	}
	memory := int64(modelBytes) + pixels*bytesPerPixel
	if params.LowMemory {
		memory = memory * 2 / 3
	}

	n := len(units)
	if n == 0 {
		n = 1
	}
	perUnit := time.Duration(float64(2*time.Second) * float64(params.Steps) / 50)
	perPixel := time.Duration(float64(pixels) / 1_000_000 * float64(time.Second))
	return types.ResourceEstimate{
		MemoryBytes: memory,
		Duration:    time.Duration(n)*perUnit + perPixel,
	}
}

func merge(into, from types.ParamsPatch) types.ParamsPatch {
	if from.Steps != nil && (into.Steps == nil || *from.Steps < *into.Steps) {
		into.Steps = from.Steps
	}
	if from.QualityTier != nil && (into.QualityTier == nil || from.QualityTier.Rank() < into.QualityTier.Rank()) {
		into.QualityTier = from.QualityTier
	}
	if from.ResizeLimit != nil && (into.ResizeLimit == nil || *from.ResizeLimit < *into.ResizeLimit) {
		into.ResizeLimit = from.ResizeLimit
	}
	if from.TileSize != nil && (into.TileSize == nil || *from.TileSize < *into.TileSize) {
		into.TileSize = from.TileSize
	}
	if from.LowMemory != nil && *from.LowMemory {
		into.LowMemory = from.LowMemory
	}
	if from.CPUOffload != nil && *from.CPUOffload {
		into.CPUOffload = from.CPUOffload
	}
	return into
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func tierPtr(v types.QualityTier) *types.QualityTier { return &v }

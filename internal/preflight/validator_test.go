package preflight

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/danpasecinic/inpaintd/internal/types"
)

type mockProbe struct {
	availableFunc func(ctx context.Context) (Resources, error)
}

func (m *mockProbe) Available(ctx context.Context) (Resources, error) {
	if m.availableFunc != nil {
		return m.availableFunc(ctx)
	}
	return Resources{MemoryAvailable: 32 << 30, MemoryTotal: 64 << 30, CPUPercent: 10, DiskFree: 100 << 30}, nil
}

func payload(w, h int) types.PayloadDescriptor {
	return types.PayloadDescriptor{Width: w, Height: h, SizeBytes: int64(w * h * 3), Format: "png"}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func TestValidateLowRiskJob(t *testing.T) {
	v := NewValidator(&mockProbe{}, zaptest.NewLogger(t))

	units := []types.UnitDescriptor{
		{X: 10, Y: 10, Width: 100, Height: 100, Confidence: 0.9},
		{X: 300, Y: 300, Width: 50, Height: 80, Confidence: 0.8},
	}
	report := v.Validate(context.Background(), payload(1024, 768), units, types.DefaultParams())

	if report.OverallRisk != types.RiskLow {
		t.Errorf("Expected low risk, got %s: %+v", report.OverallRisk, report.Results)
	}
	if !report.ShouldProceed {
		t.Error("Expected job to proceed")
	}
	if report.Score < 80 {
		t.Errorf("Expected a high score, got %.1f", report.Score)
	}
	if !report.Adjustments.IsZero() {
		t.Errorf("Expected no adjustments, got %+v", report.Adjustments)
	}
	if report.Estimated.MemoryBytes <= 0 || report.Estimated.Duration <= 0 {
		t.Errorf("Expected a resource estimate, got %+v", report.Estimated)
	}
}

func TestValidateWholePayloadJob(t *testing.T) {
	v := NewValidator(&mockProbe{}, zaptest.NewLogger(t))

	params := types.DefaultParams()
	params.QualityTier = types.QualityCrop
	report := v.Validate(context.Background(), payload(1500, 1500), nil, params)

	for _, res := range report.Results {
		if res.Check == checkUnitCoverage {
			t.Errorf("Expected no coverage check without regions, got %+v", res)
		}
	}
	if report.Adjustments.QualityTier != nil {
		t.Errorf("Expected the quality tier to be left alone, got %s", *report.Adjustments.QualityTier)
	}
	if !report.ShouldProceed {
		t.Error("Expected job to proceed")
	}
}

func TestValidateHighCoverageLowConfidence(t *testing.T) {
	v := NewValidator(nil, zaptest.NewLogger(t))

	units := []types.UnitDescriptor{{X: 0, Y: 0, Width: 1900, Height: 1900, Confidence: 0.2}}
	report := v.Validate(context.Background(), payload(2000, 2000), units, types.DefaultParams())

	if !report.OverallRisk.AtLeast(types.RiskHigh) {
		t.Errorf("Expected risk >= high, got %s", report.OverallRisk)
	}
	if report.Score >= proceedScore {
		t.Fatalf("Expected score below %d, got %.1f", proceedScore, report.Score)
	}
	if report.ShouldProceed {
		t.Error("Expected job to be rejected")
	}
}

func TestValidateRiskAggregation(t *testing.T) {
	tests := []struct {
		name     string
		payload  types.PayloadDescriptor
		units    int
		params   types.ProcessingParams
		probe    ResourceProbe
		wantRisk types.RiskLevel
		proceed  bool
	}{
		{
			name:     "oversized payload is critical",
			payload:  payload(8000, 6000),
			params:   types.DefaultParams(),
			wantRisk: types.RiskCritical,
			proceed:  false,
		},
		{
			name:     "two high findings escalate to critical",
			payload:  payload(4000, 4000),
			params:   types.ProcessingParams{Steps: 150},
			wantRisk: types.RiskCritical,
			proceed:  false,
		},
		{
			name:     "three medium findings escalate to high",
			payload:  payload(2500, 2000),
			units:    25,
			params:   types.ProcessingParams{Steps: 80},
			wantRisk: types.RiskHigh,
			proceed:  true,
		},
		{
			name:    "insufficient memory is critical",
			payload: payload(1024, 1024),
			params:  types.DefaultParams(),
			probe: &mockProbe{
				availableFunc: func(ctx context.Context) (Resources, error) {
					return Resources{MemoryAvailable: 256 << 20, CPUPercent: 5, DiskFree: 10 << 30}, nil
				},
			},
			wantRisk: types.RiskCritical,
			proceed:  false,
		},
		{
			name:    "failed probe is medium",
			payload: payload(1024, 1024),
			params:  types.DefaultParams(),
			probe: &mockProbe{
				availableFunc: func(ctx context.Context) (Resources, error) {
					return Resources{}, errors.New("no procfs")
				},
			},
			wantRisk: types.RiskMedium,
			proceed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				v := NewValidator(tt.probe, zaptest.NewLogger(t))

				units := make([]types.UnitDescriptor, tt.units)
				for i := range units {
					units[i] = types.UnitDescriptor{X: i * 20, Y: 0, Width: 10, Height: 10, Confidence: 0.9}
				}

				report := v.Validate(context.Background(), tt.payload, units, tt.params)
				if report.OverallRisk != tt.wantRisk {
					t.Errorf("Expected risk %s, got %s: %+v", tt.wantRisk, report.OverallRisk, report.Results)
				}
				if report.ShouldProceed != tt.proceed {
					t.Errorf("Expected proceed=%v, got %v (score %.1f)", tt.proceed, report.ShouldProceed, report.Score)
				}
			},
		)
	}
}

func TestValidateSuggestsAdjustments(t *testing.T) {
	v := NewValidator(&mockProbe{}, zaptest.NewLogger(t))

	params := types.DefaultParams()
	params.Steps = 80
	params.QualityTier = types.QualityOriginal
	report := v.Validate(context.Background(), payload(2500, 2000), nil, params)

	if !report.ShouldProceed {
		t.Fatalf("Expected job to proceed, got score %.1f risk %s", report.Score, report.OverallRisk)
	}
	if report.Adjustments.IsZero() {
		t.Fatal("Expected adjustments for an elevated risk")
	}

	adjusted := report.Adjustments.Apply(params)
	if adjusted.Steps != 50 {
		t.Errorf("Expected steps 50, got %d", adjusted.Steps)
	}
	if adjusted.QualityTier != types.QualityCrop {
		t.Errorf("Expected crop tier, got %s", adjusted.QualityTier)
	}
}

func TestCheckFormat(t *testing.T) {
	tests := []struct {
		name     string
		payload  types.PayloadDescriptor
		wantRisk types.RiskLevel
	}{
		{"detected png", types.PayloadDescriptor{Data: pngBytes(t)}, types.RiskLow},
		{"detected text", types.PayloadDescriptor{Data: []byte("hello, not an image")}, types.RiskCritical},
		{"declared jpg", types.PayloadDescriptor{Format: "JPG"}, types.RiskLow},
		{"declared tiff", types.PayloadDescriptor{Format: "image/tiff"}, types.RiskMedium},
		{"undeclared", types.PayloadDescriptor{}, types.RiskLow},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := checkFormat(tt.payload)
				if got.Risk != tt.wantRisk {
					t.Errorf("Expected %s, got %s (%s)", tt.wantRisk, got.Risk, got.Message)
				}
			},
		)
	}
}

func TestMergeKeepsCheapest(t *testing.T) {
	a := types.ParamsPatch{Steps: intPtr(50), QualityTier: tierPtr(types.QualityCrop)}
	b := types.ParamsPatch{Steps: intPtr(30), QualityTier: tierPtr(types.QualityOriginal), LowMemory: boolPtr(true)}

	got := merge(a, b)
	if *got.Steps != 30 {
		t.Errorf("Expected steps 30, got %d", *got.Steps)
	}
	if *got.QualityTier != types.QualityCrop {
		t.Errorf("Expected crop tier, got %s", *got.QualityTier)
	}
	if got.LowMemory == nil || !*got.LowMemory {
		t.Error("Expected low memory to be set")
	}
}

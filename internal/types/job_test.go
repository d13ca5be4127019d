package types

import "testing"

func TestQualityTier_Cheaper(t *testing.T) {
	tests := []struct {
		tier QualityTier
		want QualityTier
	}{
		{QualityOriginal, QualityCrop},
		{QualityCrop, QualityResize},
		{QualityResize, QualityResize},
	}

	for _, tt := range tests {
		t.Run(
			string(tt.tier), func(t *testing.T) {
				got := tt.tier.Cheaper()
				if got != tt.want {
					t.Errorf("Cheaper() = %v, want %v", got, tt.want)
				}
				if got.Rank() > tt.tier.Rank() {
					t.Errorf("Expected %s to rank no higher than %s", got, tt.tier)
				}
			},
		)
	}
}

func TestProcessingParams_WithDefaults(t *testing.T) {
	p := ProcessingParams{Steps: 20, LowMemory: true}.WithDefaults()
	d := DefaultParams()

	if p.Steps != 20 || !p.LowMemory {
		t.Errorf("Expected explicit fields to survive, got %+v", p)
	}
	if p.Model != d.Model || p.TileSize != d.TileSize || p.QualityTier != d.QualityTier {
		t.Errorf("Expected defaults to fill the rest, got %+v", p)
	}
}

func TestParamsPatch_Apply(t *testing.T) {
	var empty ParamsPatch
	if !empty.IsZero() {
		t.Error("Expected empty patch to be zero")
	}

	tile := 256
	tier := QualityResize
	offload := true
	patch := ParamsPatch{TileSize: &tile, QualityTier: &tier, CPUOffload: &offload}
	if patch.IsZero() {
		t.Fatal("Expected patch to be non-zero")
	}

	got := patch.Apply(DefaultParams())
	if got.TileSize != 256 || got.QualityTier != QualityResize || !got.CPUOffload {
		t.Errorf("Patch not applied: %+v", got)
	}
	if got.Steps != DefaultParams().Steps {
		t.Errorf("Expected steps untouched, got %d", got.Steps)
	}
}

func TestDescriptorAreas(t *testing.T) {
	p := PayloadDescriptor{Width: 2000, Height: 1500}
	if p.Area() != 3_000_000 || p.Megapixels() != 3 {
		t.Errorf("Unexpected payload area %d (%v MP)", p.Area(), p.Megapixels())
	}

	if (UnitDescriptor{Width: -1, Height: 10}).Area() != 0 {
		t.Error("Expected degenerate unit to have zero area")
	}
}

func TestRiskLevel_AtLeast(t *testing.T) {
	if !RiskHigh.AtLeast(RiskMedium) || RiskLow.AtLeast(RiskMedium) || !RiskCritical.AtLeast(RiskCritical) {
		t.Error("Unexpected risk ordering")
	}

	report := PreprocessingReport{
		Results: []ValidationResult{{Risk: RiskHigh}, {Risk: RiskLow}, {Risk: RiskHigh}},
	}
	if report.Count(RiskHigh) != 2 {
		t.Errorf("Expected 2 high risks, got %d", report.Count(RiskHigh))
	}
}

package cli

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/danpasecinic/inpaintd/internal/types"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    types.UnitDescriptor
		wantErr bool
	}{
		{
			name:  "four fields",
			input: "10,20,100,50",
			want:  types.UnitDescriptor{X: 10, Y: 20, Width: 100, Height: 50, Confidence: 1},
		},
		{
			name:  "with confidence and spaces",
			input: "0, 0, 8, 8, 0.4",
			want:  types.UnitDescriptor{Width: 8, Height: 8, Confidence: 0.4},
		},
		{name: "too few fields", input: "1,2,3", wantErr: true},
		{name: "not a number", input: "a,0,1,1", wantErr: true},
		{name: "empty size", input: "0,0,0,10", wantErr: true},
		{name: "negative origin", input: "-1,0,10,10", wantErr: true},
		{name: "confidence out of range", input: "0,0,10,10,1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := parseUnit(tt.input)
				if (err != nil) != tt.wantErr {
					t.Fatalf("parseUnit() error = %v, wantErr %v", err, tt.wantErr)
				}
				if !tt.wantErr && got != tt.want {
					t.Errorf("parseUnit() = %+v, want %+v", got, tt.want)
				}
			},
		)
	}
}

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected map[string]string
	}{
		{"empty input", []string{}, nil},
		{"single pair", []string{"user=42"}, map[string]string{"user": "42"}},
		{"value with equals", []string{"query=a=b"}, map[string]string{"query": "a=b"}},
		{"invalid entries skipped", []string{"novalue", "=x", "ok=1"}, map[string]string{"ok": "1"}},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := parseMetadata(tt.input)
				if len(got) != len(tt.expected) {
					t.Fatalf("parseMetadata() = %v, want %v", got, tt.expected)
				}
				for k, v := range tt.expected {
					if got[k] != v {
						t.Errorf("parseMetadata()[%s] = %s, want %s", k, got[k], v)
					}
				}
			},
		)
	}
}

func writeImage(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.png")
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return path
}

func TestJobFlagsBuild(t *testing.T) {
	path := writeImage(t, 64, 32)

	tests := []struct {
		name    string
		flags   jobFlags
		args    []string
		check   func(t *testing.T, job types.Job)
		wantErr bool
	}{
		{
			name:  "image file",
			flags: jobFlags{units: []string{"0,0,16,16"}, quality: "resize", steps: 20},
			args:  []string{path},
			check: func(t *testing.T, job types.Job) {
				if job.Payload.Width != 64 || job.Payload.Height != 32 {
					t.Errorf("Expected 64x32, got %dx%d", job.Payload.Width, job.Payload.Height)
				}
				if job.Payload.Format != "image/png" {
					t.Errorf("Expected image/png, got %s", job.Payload.Format)
				}
				if len(job.Payload.Data) == 0 || job.Payload.SizeBytes != int64(len(job.Payload.Data)) {
					t.Errorf("Expected inline data with matching size, got %d bytes", job.Payload.SizeBytes)
				}
				if len(job.Units) != 1 || job.Params.QualityTier != types.QualityResize || job.Params.Steps != 20 {
					t.Errorf("Unexpected job %+v", job)
				}
			},
		},
		{
			name:  "remote uri",
			flags: jobFlags{uri: "s3://bucket/a.png", width: 800, height: 600},
			check: func(t *testing.T, job types.Job) {
				if job.Payload.URI != "s3://bucket/a.png" || job.Payload.Area() != 480000 || job.Payload.Data != nil {
					t.Errorf("Unexpected payload %+v", job.Payload)
				}
			},
		},
		{name: "uri without size", flags: jobFlags{uri: "s3://bucket/a.png"}, wantErr: true},
		{name: "no input", flags: jobFlags{}, wantErr: true},
		{name: "bad quality", flags: jobFlags{quality: "ultra"}, args: []string{path}, wantErr: true},
		{name: "bad unit", flags: jobFlags{units: []string{"x"}}, args: []string{path}, wantErr: true},
		{name: "missing file", flags: jobFlags{}, args: []string{filepath.Join(t.TempDir(), "none.png")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				job, err := tt.flags.build(tt.args)
				if (err != nil) != tt.wantErr {
					t.Fatalf("build() error = %v, wantErr %v", err, tt.wantErr)
				}
				if tt.check != nil {
					tt.check(t, job)
				}
			},
		)
	}
}

func TestLoadPayloadRejectsNonImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := loadPayload(path); err == nil {
		t.Error("Expected a decode error for a text file")
	}
}

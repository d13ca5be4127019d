package types

// QualityTier selects how the backend treats payloads larger than its
// native resolution. Tiers are ordered from most to least expensive.
type QualityTier string

const (
	QualityOriginal QualityTier = "original"
	QualityCrop     QualityTier = "crop"
	QualityResize   QualityTier = "resize"
)

// Cheaper returns the next less expensive tier, or the same tier if it is
// already the cheapest.
func (q QualityTier) Cheaper() QualityTier {
	switch q {
	case QualityOriginal:
		return QualityCrop
	case QualityCrop:
		return QualityResize
	default:
		return QualityResize
	}
}

// Rank orders tiers by cost, higher is more expensive
func (q QualityTier) Rank() int {
	switch q {
	case QualityOriginal:
		return 2
	case QualityCrop:
		return 1
	default:
		return 0
	}
}

// ProcessingParams are the tunable parameters forwarded to the backend
type ProcessingParams struct {
	Model       string      `json:"model,omitempty"`
	Steps       int         `json:"steps"`
	QualityTier QualityTier `json:"quality_tier"`
	ResizeLimit int         `json:"resize_limit"`
	CropMargin  int         `json:"crop_margin"`
	CropTrigger int         `json:"crop_trigger"`
	TileSize    int         `json:"tile_size"`
	LowMemory   bool        `json:"low_memory"`
	CPUOffload  bool        `json:"cpu_offload"`
}

// DefaultParams returns the parameters used when a submission leaves them unset
func DefaultParams() ProcessingParams {
	return ProcessingParams{
		Model:       "lama",
		Steps:       50,
		QualityTier: QualityCrop,
		ResizeLimit: 2048,
		CropMargin:  128,
		CropTrigger: 800,
		TileSize:    512,
	}
}

// WithDefaults fills zero-valued fields from DefaultParams
func (p ProcessingParams) WithDefaults() ProcessingParams {
	d := DefaultParams()
	if p.Model == "" {
		p.Model = d.Model
	}
	if p.Steps <= 0 {
		p.Steps = d.Steps
	}
	if p.QualityTier == "" {
		p.QualityTier = d.QualityTier
	}
	if p.ResizeLimit <= 0 {
		p.ResizeLimit = d.ResizeLimit
	}
	if p.CropMargin <= 0 {
		p.CropMargin = d.CropMargin
	}
	if p.CropTrigger <= 0 {
		p.CropTrigger = d.CropTrigger
	}
	if p.TileSize <= 0 {
		p.TileSize = d.TileSize
	}
	return p
}

// ParamsPatch is a set of optional overrides for ProcessingParams
type ParamsPatch struct {
	Steps       *int         `json:"steps,omitempty"`
	QualityTier *QualityTier `json:"quality_tier,omitempty"`
	ResizeLimit *int         `json:"resize_limit,omitempty"`
	TileSize    *int         `json:"tile_size,omitempty"`
	LowMemory   *bool        `json:"low_memory,omitempty"`
	CPUOffload  *bool        `json:"cpu_offload,omitempty"`
}

// IsZero reports whether the patch changes nothing
func (p ParamsPatch) IsZero() bool {
	return p.Steps == nil && p.QualityTier == nil && p.ResizeLimit == nil &&
		p.TileSize == nil && p.LowMemory == nil && p.CPUOffload == nil
}

// Apply returns params with the patch applied
func (p ParamsPatch) Apply(params ProcessingParams) ProcessingParams {
	if p.Steps != nil {
		params.Steps = *p.Steps
	}
	if p.QualityTier != nil {
		params.QualityTier = *p.QualityTier
	}
	if p.ResizeLimit != nil {
		params.ResizeLimit = *p.ResizeLimit
	}
	if p.TileSize != nil {
		params.TileSize = *p.TileSize
	}
	if p.LowMemory != nil {
		params.LowMemory = *p.LowMemory
	}
	if p.CPUOffload != nil {
		params.CPUOffload = *p.CPUOffload
	}
	return params
}

// PayloadDescriptor describes the image a job operates on.
// Data is optional; when present it is forwarded inline to the backend.
type PayloadDescriptor struct {
	URI       string `json:"uri,omitempty"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Area returns the payload area in pixels
func (p PayloadDescriptor) Area() int64 {
	return int64(p.Width) * int64(p.Height)
}

// Megapixels returns the payload area in millions of pixels
func (p PayloadDescriptor) Megapixels() float64 {
	return float64(p.Area()) / 1_000_000
}

// UnitDescriptor describes one region of the payload processed independently
type UnitDescriptor struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label,omitempty"`
}

// Area returns the unit area in pixels
func (u UnitDescriptor) Area() int64 {
	if u.Width <= 0 || u.Height <= 0 {
		return 0
	}
	return int64(u.Width) * int64(u.Height)
}

// Job is one submission: a payload, its regions and the requested parameters
type Job struct {
	TaskID      string            `json:"task_id,omitempty"`
	Payload     PayloadDescriptor `json:"payload"`
	Units       []UnitDescriptor  `json:"units"`
	Params      ProcessingParams  `json:"params"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

package diagnostics

import "github.com/danpasecinic/inpaintd/internal/types"

// signature is one row of the classification table. Keywords are matched
// against the lower-cased error text, error types against tokens derived
// from the error chain.
type signature struct {
	reason     types.ErrorReason
	category   types.ErrorCategory
	keywords   []string
	errorTypes []string
	boost      float64
}

// Order matters: ties resolve to the earlier row.
var signatures = []signature{
	{
		reason:     types.ReasonGPUMemoryExhausted,
		category:   types.CategoryResource,
		keywords:   []string{"cuda out of memory", "cuda", "gpu", "vram"},
		errorTypes: []string{"backend:gpu_oom"},
		boost:      0.15,
	},
	{
		reason:     types.ReasonMemoryExhausted,
		category:   types.CategoryResource,
		keywords:   []string{"out of memory", "oom", "cannot allocate", "memory"},
		errorTypes: []string{"backend:oom"},
		boost:      0.1,
	},
	{
		reason:     types.ReasonConnectionRefused,
		category:   types.CategoryConnection,
		keywords:   []string{"connection refused", "no such host", "dial tcp", "unreachable"},
		errorTypes: []string{"connection_refused", "dns"},
		boost:      0.1,
	},
	{
		reason:     types.ReasonNetworkTimeout,
		category:   types.CategoryConnection,
		keywords:   []string{"i/o timeout", "timeout", "tls handshake"},
		errorTypes: []string{"net_timeout"},
		boost:      0.05,
	},
	{
		reason:     types.ReasonProcessingTimeout,
		category:   types.CategoryTimeout,
		keywords:   []string{"deadline exceeded", "processing timeout", "took too long"},
		errorTypes: []string{"deadline_exceeded", "backend:timeout"},
		boost:      0.05,
	},
	{
		reason:     types.ReasonServiceCrashed,
		category:   types.CategoryService,
		keywords:   []string{"crashed", "bad gateway", "service unavailable", "connection reset", "eof"},
		errorTypes: []string{"backend:crashed", "backend:unavailable", "connection_reset", "eof"},
		boost:      0.05,
	},
	{
		reason:     types.ReasonModelLoadFailed,
		category:   types.CategoryService,
		keywords:   []string{"model", "weights", "checkpoint", "failed to load"},
		errorTypes: []string{"backend:model_load"},
		boost:      0.1,
	},
	{
		reason:     types.ReasonOversizedInput,
		category:   types.CategoryInput,
		keywords:   []string{"too large", "image size", "dimension", "payload too large"},
		errorTypes: []string{"backend:payload_too_large"},
		boost:      0.1,
	},
	{
		reason:     types.ReasonTooManyUnits,
		category:   types.CategoryInput,
		keywords:   []string{"too many", "regions", "masks"},
		errorTypes: []string{"backend:too_many_units"},
		boost:      0.1,
	},
	{
		reason:     types.ReasonPermissionDenied,
		category:   types.CategoryService,
		keywords:   []string{"permission denied", "forbidden", "access denied"},
		errorTypes: []string{"permission", "backend:forbidden"},
		boost:      0.2,
	},
	{
		reason:     types.ReasonDiskFull,
		category:   types.CategoryResource,
		keywords:   []string{"no space left", "disk full", "quota exceeded"},
		errorTypes: []string{"disk_full"},
		boost:      0.2,
	},
	{
		reason:     types.ReasonInvalidRequest,
		category:   types.CategoryInput,
		keywords:   []string{"invalid", "bad request", "malformed", "unsupported"},
		errorTypes: []string{"backend:bad_request"},
		boost:      0.1,
	},
}

// fallbackKeywords is consulted in order when no signature is confident
var fallbackKeywords = []struct {
	keyword string
	reason  types.ErrorReason
}{
	{"memory", types.ReasonMemoryExhausted},
	{"cuda", types.ReasonGPUMemoryExhausted},
	{"refused", types.ReasonConnectionRefused},
	{"timeout", types.ReasonNetworkTimeout},
	{"timed out", types.ReasonProcessingTimeout},
	{"permission", types.ReasonPermissionDenied},
	{"space", types.ReasonDiskFull},
	{"large", types.ReasonOversizedInput},
	{"crash", types.ReasonServiceCrashed},
	{"model", types.ReasonModelLoadFailed},
	{"invalid", types.ReasonInvalidRequest},
}

type remediation struct {
	description  string
	suggestions  []string
	retryable    bool
	reduceParams bool
}

var remediations = map[types.ErrorReason]remediation{
	types.ReasonNetworkTimeout: {
		description: "The backend did not answer in time over the network",
		suggestions: []string{"Check network connectivity to the backend", "Retry with backoff"},
		retryable:   true,
	},
	types.ReasonConnectionRefused: {
		description: "The backend refused the connection",
		suggestions: []string{"Verify the backend is running and reachable", "Check the configured backend URL"},
		retryable:   true,
	},
	types.ReasonProcessingTimeout: {
		description:  "The backend took longer than the per-attempt budget",
		suggestions:  []string{"Reduce the number of steps", "Use a cheaper quality tier", "Process fewer regions at once"},
		retryable:    true,
		reduceParams: true,
	},
	types.ReasonMemoryExhausted: {
		description:  "The backend ran out of memory",
		suggestions:  []string{"Enable low-memory mode", "Downscale the image", "Reduce the tile size"},
		retryable:    true,
		reduceParams: true,
	},
	types.ReasonGPUMemoryExhausted: {
		description:  "The backend ran out of GPU memory",
		suggestions:  []string{"Enable CPU offload", "Reduce the tile size", "Use the resize quality tier"},
		retryable:    true,
		reduceParams: true,
	},
	types.ReasonServiceCrashed: {
		description: "The backend process crashed or became unavailable",
		suggestions: []string{"Restart the backend container", "Inspect backend logs for a crash cause"},
		retryable:   true,
	},
	types.ReasonModelLoadFailed: {
		description: "The backend could not load the requested model",
		suggestions: []string{"Verify the model name", "Check that model weights are present on the backend"},
		retryable:   true,
	},
	types.ReasonOversizedInput: {
		description:  "The payload is larger than the backend accepts",
		suggestions:  []string{"Lower the resize limit", "Use the crop or resize quality tier"},
		retryable:    true,
		reduceParams: true,
	},
	types.ReasonTooManyUnits: {
		description:  "The job contains more regions than the backend can process",
		suggestions:  []string{"Merge adjacent regions", "Split the job into smaller submissions"},
		retryable:    true,
		reduceParams: true,
	},
	types.ReasonInvalidRequest: {
		description: "The backend rejected the request as invalid",
		suggestions: []string{"Check the request parameters and payload format"},
	},
	types.ReasonPermissionDenied: {
		description: "Access to a required resource was denied",
		suggestions: []string{"Check file and service permissions"},
	},
	types.ReasonDiskFull: {
		description: "No disk space is left for intermediate or result files",
		suggestions: []string{"Free disk space on the result volume", "Prune old results"},
	},
	types.ReasonUnknown: {
		description: "The failure could not be classified",
		suggestions: []string{"Inspect the technical detail and backend logs"},
		retryable:   true,
	},
}

func categoryOf(reason types.ErrorReason) types.ErrorCategory {
	for _, sig := range signatures {
		if sig.reason == reason {
			return sig.category
		}
	}
	return types.CategoryUnknown
}

// IsRetryable reports whether failures with this reason may be retried
func IsRetryable(reason types.ErrorReason) bool {
	return remediations[reason].retryable
}

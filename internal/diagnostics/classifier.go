package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/danpasecinic/inpaintd/internal/types"
)

const (
	minConfidence      = 0.3
	fallbackConfidence = 0.2
	unknownConfidence  = 0.1

	defaultHistorySize   = 1000
	defaultFrequencySize = 512
)

// Context carries observations about the failed job that can corroborate a
// diagnosis
type Context struct {
	Megapixels    float64
	UnitCount     int
	Elapsed       time.Duration
	MemoryPercent float64
	OOMKilled     bool
}

// Kinded is implemented by errors that carry a machine-readable kind
type Kinded interface {
	ErrorKind() string
}

// Record is one entry of the classification history
type Record struct {
	Timestamp  time.Time
	Signature  string
	Reason     types.ErrorReason
	Confidence float64
}

// Classifier turns raw failures into structured diagnoses. It keeps a
// bounded history and a bounded frequency table of normalized messages.
type Classifier struct {
	mu        sync.Mutex
	frequency *lru.Cache[string, int]
	history   []Record
	head      int
	full      bool
	now       func() time.Time
}

// Option configures a Classifier
type Option func(*classifierOptions)

type classifierOptions struct {
	historySize   int
	frequencySize int
}

// WithHistorySize caps the classification history
func WithHistorySize(n int) Option {
	return func(o *classifierOptions) {
		o.historySize = n
	}
}

// WithFrequencySize caps the number of distinct signatures remembered
func WithFrequencySize(n int) Option {
	return func(o *classifierOptions) {
		o.frequencySize = n
	}
}

// New creates a classifier
func New(opts ...Option) *Classifier {
	o := classifierOptions{historySize: defaultHistorySize, frequencySize: defaultFrequencySize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.historySize <= 0 {
		o.historySize = defaultHistorySize
	}
	if o.frequencySize <= 0 {
		o.frequencySize = defaultFrequencySize
	}

	// lru.New only fails for non-positive sizes
	frequency, _ := lru.New[string, int](o.frequencySize)

	return &Classifier{
		frequency: frequency,
		history:   make([]Record, o.historySize),
		now:       time.Now,
	}
}

// Classify diagnoses err. The same error text and type always yield the same
// reason and category; confidence only grows as corroborating context is added.
func (c *Classifier) Classify(err error, cctx Context) types.DiagnosticResult {
	if err == nil {
		return c.result(types.ReasonUnknown, 0, "", nil)
	}

	message := strings.ToLower(err.Error())
	tokens := errorTokens(err)

	// The reason depends on the error alone; context only adds confidence.
	best, score := bestSignature(message, tokens)
	reason := types.ReasonUnknown
	var rationale []string
	if best != nil {
		reason = best.reason
		rationale = append(rationale, fmt.Sprintf("matched %s signature (score %.2f)", best.reason, score))
	}

	if score < minConfidence {
		fallback := fallbackReason(message)
		switch {
		case fallback != types.ReasonUnknown:
			if fallback != reason {
				score = 0
			}
			reason = fallback
			score = maxFloat(score, fallbackConfidence)
			rationale = append(rationale, fmt.Sprintf("keyword fallback to %s", fallback))
		case reason == types.ReasonUnknown:
			score = unknownConfidence
		}
	}

	delta, notes := heuristics(reason, cctx)
	score = capUnit(score + delta)
	rationale = append(rationale, notes...)

	sig := normalize(message)
	occurrences := c.record(sig)
	switch {
	case occurrences >= 6:
		score = capUnit(score + 0.1)
		rationale = append(rationale, fmt.Sprintf("seen %d times", occurrences))
	case occurrences >= 3:
		score = capUnit(score + 0.05)
		rationale = append(rationale, fmt.Sprintf("seen %d times", occurrences))
	}

	c.appendHistory(Record{Timestamp: c.now(), Signature: sig, Reason: reason, Confidence: score})

	return c.result(reason, score, err.Error(), rationale)
}

// History returns the recorded classifications, oldest first
func (c *Classifier) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.full {
		out := make([]Record, c.head)
		copy(out, c.history[:c.head])
		return out
	}
	out := make([]Record, 0, len(c.history))
	out = append(out, c.history[c.head:]...)
	out = append(out, c.history[:c.head]...)
	return out
}

// ReasonCounts tallies the history by reason
func (c *Classifier) ReasonCounts() map[types.ErrorReason]int {
	counts := make(map[types.ErrorReason]int)
	for _, rec := range c.History() {
		counts[rec.Reason]++
	}
	return counts
}

func (c *Classifier) record(sig string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, _ := c.frequency.Get(sig)
	count++
	c.frequency.Add(sig, count)
	return count
}

func (c *Classifier) appendHistory(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history[c.head] = rec
	c.head++
	if c.head == len(c.history) {
		c.head = 0
		c.full = true
	}
}

func (c *Classifier) result(reason types.ErrorReason, confidence float64, detail string, rationale []string) types.DiagnosticResult {
	rem := remediations[reason]
	suggestions := make([]string, len(rem.suggestions))
	copy(suggestions, rem.suggestions)

	return types.DiagnosticResult{
		Reason:          reason,
		Category:        categoryOf(reason),
		Confidence:      confidence,
		Description:     rem.description,
		Suggestions:     suggestions,
		Retryable:       rem.retryable,
		ReduceParams:    rem.reduceParams,
		TechnicalDetail: detail,
		Rationale:       rationale,
	}
}

func bestSignature(message string, tokens []string) (*signature, float64) {
	var best *signature
	bestScore := 0.0
	for i := range signatures {
		sig := &signatures[i]
		score := scoreSignature(sig, message, tokens)
		if score > bestScore {
			best = sig
			bestScore = score
		}
	}
	return best, bestScore
}

func scoreSignature(sig *signature, message string, tokens []string) float64 {
	typeScore := 0.0
	for _, want := range sig.errorTypes {
		if containsString(tokens, want) {
			typeScore = 1
			break
		}
	}

	matched := 0
	for _, kw := range sig.keywords {
		if strings.Contains(message, kw) {
			matched++
		}
	}
	keywordScore := 0.0
	if len(sig.keywords) > 0 {
		keywordScore = float64(matched) / float64(len(sig.keywords))
	}

	score := 0.5*typeScore + 0.5*keywordScore
	if score > 0 {
		score += sig.boost
	}
	return capUnit(score)
}

// heuristics returns the confidence delta contributed by context observations
// that corroborate reason. Every delta is positive.
func heuristics(reason types.ErrorReason, cctx Context) (float64, []string) {
	var (
		delta float64
		notes []string
	)
	add := func(d float64, note string) {
		delta += d
		notes = append(notes, note)
	}

	memoryBound := reason == types.ReasonMemoryExhausted || reason == types.ReasonGPUMemoryExhausted

	switch {
	case cctx.Megapixels > 16 && (memoryBound || reason == types.ReasonOversizedInput || reason == types.ReasonProcessingTimeout):
		add(0.15, fmt.Sprintf("very large payload (%.1f MP)", cctx.Megapixels))
	case cctx.Megapixels > 4 && (memoryBound || reason == types.ReasonOversizedInput || reason == types.ReasonProcessingTimeout):
		add(0.1, fmt.Sprintf("large payload (%.1f MP)", cctx.Megapixels))
	}

	if cctx.UnitCount > 20 && (reason == types.ReasonTooManyUnits || reason == types.ReasonProcessingTimeout || memoryBound) {
		add(0.1, fmt.Sprintf("many regions (%d)", cctx.UnitCount))
	}

	if cctx.Elapsed > 2*time.Minute && (reason == types.ReasonProcessingTimeout || reason == types.ReasonNetworkTimeout) {
		add(0.1, fmt.Sprintf("long running attempt (%s)", cctx.Elapsed.Round(time.Second)))
	}

	if cctx.MemoryPercent > 90 && memoryBound {
		add(0.15, fmt.Sprintf("host memory at %.0f%%", cctx.MemoryPercent))
	}

	if cctx.OOMKilled && (reason == types.ReasonMemoryExhausted || reason == types.ReasonServiceCrashed) {
		add(0.2, "backend container was OOM-killed")
	}

	return delta, notes
}

func fallbackReason(message string) types.ErrorReason {
	for _, fb := range fallbackKeywords {
		if strings.Contains(message, fb.keyword) {
			return fb.reason
		}
	}
	return types.ReasonUnknown
}

// errorTokens derives type tokens from the error chain
func errorTokens(err error) []string {
	var tokens []string

	var kinded Kinded
	if errors.As(err, &kinded) {
		tokens = append(tokens, "backend:"+kinded.ErrorKind())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		tokens = append(tokens, "deadline_exceeded")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		tokens = append(tokens, "net_timeout")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		tokens = append(tokens, "dns")
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		tokens = append(tokens, "connection_refused")
	case errors.Is(err, syscall.ECONNRESET):
		tokens = append(tokens, "connection_reset")
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		tokens = append(tokens, "eof")
	}
	if errors.Is(err, os.ErrPermission) {
		tokens = append(tokens, "permission")
	}
	if errors.Is(err, syscall.ENOSPC) {
		tokens = append(tokens, "disk_full")
	}
	return tokens
}

// normalize reduces an error message to a signature: digits collapse to '#',
// punctuation is dropped and whitespace is squeezed
func normalize(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	lastSpace := true
	lastDigit := false
	for _, r := range message {
		switch {
		case unicode.IsDigit(r):
			if !lastDigit {
				b.WriteRune('#')
			}
			lastDigit = true
			lastSpace = false
			continue
		case unicode.IsLetter(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
		lastDigit = false
	}
	return strings.TrimSpace(b.String())
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func capUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

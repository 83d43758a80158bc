package compute

import (
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// EstimatorConfig configures cost estimation.
type EstimatorConfig struct {
	// Encoding is the tiktoken encoding used when available, e.g.
	// "cl100k_base". Empty disables tiktoken and forces the character
	// ratio estimate.
	Encoding string `yaml:"encoding" json:"encoding"`

	// CharsPerToken is the fallback ratio when no encoding is usable.
	CharsPerToken float64 `yaml:"chars_per_token" json:"chars_per_token"`

	// Overhead is a fixed per-call cost added on top of the text estimate,
	// covering request framing the text does not show.
	Overhead int64 `yaml:"overhead" json:"overhead"`
}

// DefaultEstimatorConfig returns the estimator defaults.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Encoding:      "cl100k_base",
		CharsPerToken: 4.0,
		Overhead:      8,
	}
}

// CostEstimator predicts cost units from operation parameters. It prefers
// a real tokenizer encoding and degrades to a character-ratio estimate
// when the encoding cannot be initialized (for example, offline).
type CostEstimator struct {
	config EstimatorConfig

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewCostEstimator creates an estimator.
func NewCostEstimator(config EstimatorConfig) *CostEstimator {
	if config.CharsPerToken <= 0 {
		config.CharsPerToken = 4.0
	}
	return &CostEstimator{config: config}
}

// init lazily loads the tiktoken encoding; first use may fetch data.
func (e *CostEstimator) init() error {
	e.once.Do(func() {
		if e.config.Encoding == "" {
			e.initErr = fmt.Errorf("no encoding configured")
			return
		}
		enc, err := tiktoken.GetEncoding(e.config.Encoding)
		if err != nil {
			e.initErr = fmt.Errorf("init encoding %s: %w", e.config.Encoding, err)
			return
		}
		e.enc = enc
	})
	return e.initErr
}

// EstimateCost predicts the cost of calling operation with params. The
// estimate feeds quota admission, so it must never be zero for a
// non-empty request.
func (e *CostEstimator) EstimateCost(operation string, params map[string]any) (int64, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("marshal params: %w", err)
	}
	text := operation + " " + string(payload)

	var tokens int64
	if e.init() == nil {
		tokens = int64(len(e.enc.Encode(text, nil, nil)))
	} else {
		tokens = e.charEstimate(text)
	}

	cost := tokens + e.config.Overhead
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

// charEstimate is the offline fallback. CJK runs much denser than ASCII,
// roughly 1.5 chars per token against the configured ASCII ratio.
func (e *CostEstimator) charEstimate(text string) int64 {
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := float64(cjk)/1.5 + float64(total-cjk)/e.config.CharsPerToken
	if estimated < 1 {
		estimated = 1
	}
	return int64(estimated)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

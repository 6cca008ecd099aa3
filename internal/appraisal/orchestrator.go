package appraisal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"valueai/internal/credits"
)

// ErrAnalysisParse means the AI service answered with something that is not
// a valuation. No credit is consumed; the caller may retry.
var ErrAnalysisParse = errors.New("analysis result could not be parsed")

// ErrUnsupportedImage rejects uploads that are not jpeg or png.
var ErrUnsupportedImage = errors.New("unsupported image type")

const (
	DefaultTimeout = 60 * time.Second
	MaxImageBytes  = 10 << 20
)

type Image struct {
	Data []byte
	MIME string
}

// Validate checks the media type and size of an upload.
func (img Image) Validate() error {
	switch img.MIME {
	case "image/jpeg", "image/png":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedImage, img.MIME)
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("%w: empty upload", ErrUnsupportedImage)
	}
	if len(img.Data) > MaxImageBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit", ErrUnsupportedImage, len(img.Data))
	}
	return nil
}

type Result struct {
	Valuation  Valuation `json:"valuation"`
	Remaining  int       `json:"credits_remaining"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// Analyzer produces a valuation for one image. Implementations return an
// error wrapping ErrUnparseable when the model output is not usable.
type Analyzer interface {
	Analyze(ctx context.Context, img Image) (Valuation, error)
}

// Ledger is the subset of credits.Service the orchestrator needs.
type Ledger interface {
	Check(ctx context.Context, key string) (int, error)
	DebitRemaining(ctx context.Context, key string) (bool, int, error)
}

// Orchestrator runs one appraisal: credit check, AI call, then exactly one
// debit on success.
type Orchestrator struct {
	ledger   Ledger
	analyzer Analyzer
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(ledger Ledger, analyzer Analyzer, timeout time.Duration, log *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		ledger:   ledger,
		analyzer: analyzer,
		timeout:  timeout,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) Appraise(ctx context.Context, key string, img Image) (Result, error) {
	if err := img.Validate(); err != nil {
		return Result{}, err
	}
	if _, err := o.ledger.Check(ctx, key); err != nil {
		if credits.NoCredit(err) {
			o.log.InfoContext(ctx, "appraisal refused", "license_key", key, "reason", err.Error())
			return Result{}, credits.ErrInsufficientCredit
		}
		return Result{}, err
	}

	actx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	start := time.Now()
	v, err := o.analyzer.Analyze(actx, img)
	if err != nil {
		if errors.Is(err, ErrUnparseable) {
			return Result{}, fmt.Errorf("%w: %w", ErrAnalysisParse, err)
		}
		o.log.ErrorContext(ctx, "analysis failed",
			"license_key", key, "elapsed", time.Since(start).String(), "err", err)
		return Result{}, fmt.Errorf("analyze: %w: %w", credits.ErrInfrastructure, err)
	}

	ok, remaining, err := o.ledger.DebitRemaining(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// balance went to zero while the analysis ran
		o.log.WarnContext(ctx, "debit lost race, result withheld", "license_key", key)
		return Result{}, credits.ErrInsufficientCredit
	}
	o.log.InfoContext(ctx, "appraisal completed",
		"license_key", key, "item", v.ItemName, "remaining", remaining,
		"elapsed", time.Since(start).String())
	return Result{Valuation: v, Remaining: remaining, AnalyzedAt: o.now()}, nil
}

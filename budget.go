package imagemem

import (
	"fmt"
	"math"
)

// Analyzer defaults.
const (
	// DefaultMaxDimension is the maximum processing dimension. Images
	// wider or taller than this are dimension-capped before any budget
	// arithmetic.
	DefaultMaxDimension = 4096

	// scaleSafetyMargin shaves the budget-derived scale so the
	// re-estimated footprint lands comfortably inside the budget.
	scaleSafetyMargin = 0.95

	// minAcceptableScale is the smallest useful downscale factor.
	// Below this an image would be degraded past the point of being
	// editable.
	minAcceptableScale = 0.1
)

// EstimateFunc estimates the decoded in-memory footprint in bytes for
// an image of the given dimensions. The compressed size of the source
// is provided for estimators that account for decode scratch space;
// the default estimator ignores it.
type EstimateFunc func(width, height, compressedSize int) int64

// EstimateRGBA is the default estimator: four bytes per pixel.
func EstimateRGBA(width, height, _ int) int64 {
	return int64(width) * int64(height) * 4
}

// ActionKind discriminates the variants of a MemoryAction.
type ActionKind int

const (
	// ActionProceed admits the image at its original dimensions.
	ActionProceed ActionKind = iota

	// ActionDownscale admits the image at reduced dimensions.
	ActionDownscale

	// ActionReject refuses the image; Reason is user-facing.
	ActionReject
)

// String returns the name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionProceed:
		return "proceed"
	case ActionDownscale:
		return "downscale"
	case ActionReject:
		return "reject"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// MemoryAction is the admission decision for one image load. Exactly
// one variant is produced per analysis call; the value is never
// mutated after construction.
type MemoryAction struct {
	Kind ActionKind

	// TargetWidth, TargetHeight and Scale are set for ActionDownscale.
	TargetWidth  int
	TargetHeight int
	Scale        float64

	// Reason is set for ActionReject.
	Reason string
}

// String returns a human-readable form of the action.
func (a MemoryAction) String() string {
	switch a.Kind {
	case ActionDownscale:
		return fmt.Sprintf("downscale to %dx%d (%.2fx)", a.TargetWidth, a.TargetHeight, a.Scale)
	case ActionReject:
		return "reject: " + a.Reason
	default:
		return a.Kind.String()
	}
}

// Proceed returns the admit-as-is action.
func Proceed() MemoryAction { return MemoryAction{Kind: ActionProceed} }

// Downscale returns an admit-at-reduced-dimensions action.
func Downscale(width, height int, scale float64) MemoryAction {
	return MemoryAction{Kind: ActionDownscale, TargetWidth: width, TargetHeight: height, Scale: scale}
}

// Reject returns a refusal with a user-facing reason.
func Reject(reason string) MemoryAction {
	return MemoryAction{Kind: ActionReject, Reason: reason}
}

// AnalyzerConfig holds configuration for creating an Analyzer.
type AnalyzerConfig struct {
	// BudgetBytes is the total memory budget. Defaults to
	// DefaultMemoryBudget if <= 0.
	BudgetBytes int64

	// MaxDimension caps each image axis before budget arithmetic.
	// Defaults to DefaultMaxDimension if <= 0.
	MaxDimension int

	// Estimate computes the decoded footprint. Defaults to
	// EstimateRGBA if nil.
	Estimate EstimateFunc
}

// Analyzer is the admission-control policy: given requested dimensions
// and current tracked usage it returns proceed, downscale, or reject,
// applying dimension-capping first and budget-driven scaling second.
//
// Analyzer is stateless; all methods are pure functions of their
// arguments and the construction-time configuration.
type Analyzer struct {
	budget   int64
	maxDim   int
	estimate EstimateFunc
}

// NewAnalyzer creates an analyzer, applying defaults for zero fields.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.BudgetBytes <= 0 {
		cfg.BudgetBytes = DefaultMemoryBudget
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.Estimate == nil {
		cfg.Estimate = EstimateRGBA
	}
	return &Analyzer{
		budget:   cfg.BudgetBytes,
		maxDim:   cfg.MaxDimension,
		estimate: cfg.Estimate,
	}
}

// Budget returns the analyzer's total memory budget in bytes.
func (a *Analyzer) Budget() int64 { return a.budget }

// AnalyzeMemoryRequirements decides whether an image of the given
// dimensions can be admitted against the budget, given the current
// tracked usage in bytes.
//
// The dimension cap is applied first: scale = min(1, maxDim/width,
// maxDim/height). When no cap is needed, a load that does not fit the
// remaining budget is scaled by sqrt(available/estimate) with a safety
// margin, and rejected outright below the minimum acceptable scale.
// When the cap does apply, the budget-driven scale is instead clamped
// at the minimum and a final fit check decides between downscale and
// reject. The two branches deliberately treat the minimum scale
// differently; keep them separate.
func (a *Analyzer) AnalyzeMemoryRequirements(width, height, compressedSize int, currentUsage int64) MemoryAction {
	if width <= 0 || height <= 0 {
		return Reject("invalid image dimensions")
	}

	capScale := math.Min(1, math.Min(
		float64(a.maxDim)/float64(width),
		float64(a.maxDim)/float64(height)))

	if capScale >= 1 {
		return a.analyzeUncapped(width, height, compressedSize, currentUsage)
	}
	return a.analyzeCapped(width, height, compressedSize, currentUsage, capScale)
}

// analyzeUncapped handles images already within the dimension cap.
func (a *Analyzer) analyzeUncapped(width, height, compressedSize int, currentUsage int64) MemoryAction {
	estimate := a.estimate(width, height, compressedSize)
	if currentUsage+estimate <= a.budget {
		return Proceed()
	}

	available := a.budget - currentUsage
	if available <= 0 {
		return Reject("out of memory budget")
	}

	// Memory scales with area, so the linear scale is the square root
	// of the byte ratio.
	targetScale := math.Sqrt(float64(available)/float64(estimate)) * scaleSafetyMargin
	if targetScale < minAcceptableScale {
		return Reject("memory budget too low to load this image")
	}

	forcedWidth := int(math.Round(float64(width) * targetScale))
	forcedHeight := int(math.Round(float64(height) * targetScale))
	forcedEstimate := a.estimate(forcedWidth, forcedHeight, compressedSize)
	if currentUsage+forcedEstimate > a.budget {
		return Reject(fmt.Sprintf("image needs %.1f MB even after downscaling", mb(forcedEstimate)))
	}
	return Downscale(forcedWidth, forcedHeight, targetScale)
}

// analyzeCapped handles images that exceed the maximum processing
// dimension. Unlike the uncapped branch, the budget-driven scale is
// clamped at the minimum rather than rejected, and one final fit check
// decides the outcome.
func (a *Analyzer) analyzeCapped(width, height, compressedSize int, currentUsage int64, capScale float64) MemoryAction {
	cappedWidth := int(math.Round(float64(width) * capScale))
	cappedHeight := int(math.Round(float64(height) * capScale))
	cappedEstimate := a.estimate(cappedWidth, cappedHeight, compressedSize)
	if currentUsage+cappedEstimate <= a.budget {
		return Downscale(cappedWidth, cappedHeight, capScale)
	}

	available := a.budget - currentUsage
	extraScale := minAcceptableScale
	if available > 0 {
		s := math.Sqrt(float64(available)/float64(cappedEstimate)) * scaleSafetyMargin
		if s > extraScale {
			extraScale = s
		}
		if extraScale > 1 {
			extraScale = 1
		}
	}

	finalScale := capScale * extraScale
	finalWidth := int(math.Round(float64(width) * finalScale))
	finalHeight := int(math.Round(float64(height) * finalScale))
	finalEstimate := a.estimate(finalWidth, finalHeight, compressedSize)
	if currentUsage+finalEstimate > a.budget {
		return Reject(fmt.Sprintf("image needs %.1f MB but only %.1f MB of budget remain",
			mb(finalEstimate), mb(available)))
	}
	return Downscale(finalWidth, finalHeight, finalScale)
}

// WouldExceedMemoryBudget is a cheap pre-check: it reports whether the
// plain estimate on top of current usage overflows the budget, with no
// capping or scaling applied. It is independent of
// AnalyzeMemoryRequirements and not used by it.
func (a *Analyzer) WouldExceedMemoryBudget(width, height, compressedSize int, currentUsage int64) bool {
	return a.estimate(width, height, compressedSize)+currentUsage > a.budget
}

// mb converts bytes to megabytes for user-facing messages.
func mb(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}

package credits

import (
	"math"
	"strings"
)

// AspectRatio selects the multiplier applied to a video task.
type AspectRatio string

const (
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
	AspectSquare    AspectRatio = "square"
)

// TextToVideoPricing holds the tunable cost constants for video tasks.
type TextToVideoPricing struct {
	CreditsPerSecond float64
	Multipliers      map[AspectRatio]float64
	MinCredits       int64
}

// DefaultTextToVideoPricing charges one credit per second for every aspect.
func DefaultTextToVideoPricing() TextToVideoPricing {
	return TextToVideoPricing{
		CreditsPerSecond: 1,
		Multipliers: map[AspectRatio]float64{
			AspectLandscape: 1,
			AspectPortrait:  1,
			AspectSquare:    1,
		},
		MinCredits: 1,
	}
}

// TextToVideoCost prices a task of the given length and aspect ratio.
// Unknown aspect ratios are priced as landscape.
func (pricing TextToVideoPricing) TextToVideoCost(seconds float64, aspect string) PositiveCredits {
	multiplier, ok := pricing.Multipliers[AspectRatio(strings.ToLower(strings.TrimSpace(aspect)))]
	if !ok {
		multiplier = pricing.Multipliers[AspectLandscape]
	}
	base := math.Max(1, pricing.CreditsPerSecond) * math.Max(1, math.Round(seconds))
	cost := int64(math.Ceil(base * math.Max(0.1, multiplier)))
	minimum := max(pricing.MinCredits, 1)
	return PositiveCredits(max(minimum, cost))
}

// TextToVideoCost prices a task with the default pricing table.
func TextToVideoCost(seconds float64, aspect string) PositiveCredits {
	return DefaultTextToVideoPricing().TextToVideoCost(seconds, aspect)
}

// Package normalizer implements the three-pass heat normalization of
// spec.md §4.2: per-platform min-max scaling, platform-weighted
// scaling, and a period-sum pass that makes heat_normalized comparable
// across the whole period regardless of platform.
package normalizer

import (
	"fmt"

	"github.com/echoman-project/echoman/pkg/models"
)

// Input is the minimal view of a SourceItem the normalizer needs.
type Input struct {
	ItemID   string
	Platform string
	HeatRaw  *float64
}

// Result is the normalizer's output for one item.
type Result struct {
	ItemID         string
	HeatNormalized float64
}

// noHeatPlatforms never report a numeric heat value; their items always
// receive the neutral 0.5 score in pass one (spec.md §4.2 step 1).
var noHeatPlatforms = map[string]bool{
	string(models.PlatformSina): true,
	string(models.PlatformHupu): true,
}

// Normalize runs the three passes over one period's worth of items and
// returns each item's final heat_normalized score, summing to 1.0
// across the period (spec.md §8 invariant 5). Returns an error only on
// empty input, per spec.md §4.2.
func Normalize(items []Input, platformWeights map[string]float64) ([]Result, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("normalizer: empty period")
	}

	byPlatform := make(map[string][]int)
	for i, it := range items {
		byPlatform[it.Platform] = append(byPlatform[it.Platform], i)
	}

	// Pass 1: per-platform min-max.
	normalized := make([]float64, len(items))
	for platform, idxs := range byPlatform {
		if noHeatPlatforms[platform] {
			for _, i := range idxs {
				normalized[i] = 0.5
			}
			continue
		}

		min, max := (*float64)(nil), (*float64)(nil)
		for _, i := range idxs {
			h := items[i].HeatRaw
			if h == nil {
				continue
			}
			if min == nil || *h < *min {
				min = h
			}
			if max == nil || *h > *max {
				max = h
			}
		}

		for _, i := range idxs {
			h := items[i].HeatRaw
			switch {
			case h == nil:
				normalized[i] = 0.5
			case min == nil || max == nil || *max == *min:
				normalized[i] = 0.5
			default:
				normalized[i] = (*h - *min) / (*max - *min)
			}
		}
	}

	// Pass 2: platform-weighted scaling.
	var totalWeight float64
	for _, w := range platformWeights {
		totalWeight += w
	}
	if totalWeight <= 0 {
		totalWeight = 1.0
	}

	weighted := make([]float64, len(items))
	for i, it := range items {
		w, ok := platformWeights[it.Platform]
		if !ok {
			w = 1.0
		}
		weighted[i] = normalized[i] * w / totalWeight
	}

	// Pass 3: period-sum normalization, so Σ heat_normalized == 1.0.
	var sum float64
	for _, v := range weighted {
		sum += v
	}

	results := make([]Result, len(items))
	if sum <= 0 {
		// Every item weighted to zero (degenerate all-zero-weight period);
		// fall back to an equal split so the period sum still holds.
		equal := 1.0 / float64(len(items))
		for i, it := range items {
			results[i] = Result{ItemID: it.ItemID, HeatNormalized: equal}
		}
		return results, nil
	}

	for i, it := range items {
		results[i] = Result{ItemID: it.ItemID, HeatNormalized: weighted[i] / sum}
	}
	return results, nil
}

// FromSourceItems adapts a slice of models.SourceItem into normalizer
// Input values.
func FromSourceItems(items []models.SourceItem) []Input {
	out := make([]Input, len(items))
	for i, it := range items {
		out[i] = Input{
			ItemID:   it.ItemID,
			Platform: it.Platform,
			HeatRaw:  it.HeatValue,
		}
	}
	return out
}

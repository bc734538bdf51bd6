package detector

import (
	"sort"
)

// sortRegionsByConfidence returns region indices by descending confidence.
// Ties keep their original order.
func sortRegionsByConfidence(regions []DetectedRegion) []int {
	indices := make([]int, len(regions))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return regions[indices[i]].Confidence > regions[indices[j]].Confidence
	})
	return indices
}

// NonMaxSuppression performs greedy hard NMS. The result is ordered by
// descending confidence, which is the detector's ranking.
func NonMaxSuppression(regions []DetectedRegion, iouThreshold float64) []DetectedRegion {
	if len(regions) == 0 {
		return nil
	}
	indices := sortRegionsByConfidence(regions)
	suppressed := make([]bool, len(regions))
	kept := make([]DetectedRegion, 0, len(regions))

	for ai, a := range indices {
		if suppressed[a] {
			continue
		}
		kept = append(kept, regions[a])
		for _, b := range indices[ai+1:] {
			if suppressed[b] {
				continue
			}
			if regions[a].Box.IoU(regions[b].Box) > iouThreshold {
				suppressed[b] = true
			}
		}
	}
	return kept
}

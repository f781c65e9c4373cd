package workerpool

import (
	"math"
	"sort"
)

// shape turns the per-flavor demand into the number of workers to create
// this tick. The total is raised to minBatch when there is any demand and
// capped at min(maxBatch, slots). When the total is rescaled every flavor
// keeps its share, rounded down, and the remaining slots go to the flavors
// with the largest fractional share.
func shape(demand map[string]int, slots, minBatch, maxBatch int) map[string]int {
	total := 0
	for _, n := range demand {
		if n > 0 {
			total += n
		}
	}
	out := map[string]int{}
	if total == 0 || slots <= 0 {
		return out
	}

	limit := maxBatch
	if limit <= 0 || slots < limit {
		limit = slots
	}
	target := total
	if target < minBatch {
		target = minBatch
	}
	if target > limit {
		target = limit
	}
	if target == total {
		for flavor, n := range demand {
			if n > 0 {
				out[flavor] = n
			}
		}
		return out
	}

	type share struct {
		flavor   string
		fraction float64
	}
	var shares []share
	assigned := 0
	for flavor, n := range demand {
		if n <= 0 {
			continue
		}
		exact := float64(n) * float64(target) / float64(total)
		whole := int(math.Floor(exact))
		if whole > 0 {
			out[flavor] = whole
		}
		assigned += whole
		shares = append(shares, share{flavor: flavor, fraction: exact - float64(whole)})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].fraction != shares[j].fraction {
			return shares[i].fraction > shares[j].fraction
		}
		return shares[i].flavor < shares[j].flavor
	})
	for i := 0; assigned < target && len(shares) > 0; i = (i + 1) % len(shares) {
		out[shares[i].flavor]++
		assigned++
	}
	return out
}

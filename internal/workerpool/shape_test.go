package workerpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShape(t *testing.T) {
	cases := []struct {
		name   string
		demand map[string]int
		slots  int
		want   map[string]int
	}{
		{"no demand", map[string]int{"medium": 0}, 10, map[string]int{}},
		{"no slots", map[string]int{"medium": 4}, 0, map[string]int{}},
		{"raised to minimum batch", map[string]int{"medium": 2}, 10, map[string]int{"medium": 3}},
		{"minimum batch split", map[string]int{"medium": 1, "large": 1}, 10, map[string]int{"large": 2, "medium": 1}},
		{"within limits", map[string]int{"medium": 4, "large": 2}, 10, map[string]int{"medium": 4, "large": 2}},
		{"capped by batch", map[string]int{"medium": 14, "large": 6}, 20, map[string]int{"medium": 7, "large": 3}},
		{"capped by slots", map[string]int{"medium": 7, "large": 7}, 5, map[string]int{"large": 3, "medium": 2}},
		{"residual to largest fraction", map[string]int{"medium": 5, "large": 3, "small": 2}, 4, map[string]int{"medium": 2, "large": 1, "small": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, shape(tc.demand, tc.slots, 3, 10))
		})
	}
}

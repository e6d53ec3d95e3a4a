package plugin

import "chemcaptcha/internal/captcha"

// Verify reports whether the clicks answer the puzzle: one click per box and
// a one-to-one assignment of clicks to boxes with every click inside its box.
// Click order does not matter.
func Verify(boxes []Box, input []captcha.Point) bool {
	if len(boxes) == 0 || len(input) != len(boxes) {
		return false
	}

	// owner[b] is the click currently assigned to box b, or -1.
	owner := make([]int, len(boxes))
	for i := range owner {
		owner[i] = -1
	}
	for p := range input {
		seen := make([]bool, len(boxes))
		if !assign(p, boxes, input, owner, seen) {
			return false
		}
	}
	return true
}

// assign finds an augmenting path for click p.
func assign(p int, boxes []Box, input []captcha.Point, owner []int, seen []bool) bool {
	for b, box := range boxes {
		if seen[b] || !box.Contains(input[p]) {
			continue
		}
		seen[b] = true
		if owner[b] < 0 || assign(owner[b], boxes, input, owner, seen) {
			owner[b] = p
			return true
		}
	}
	return false
}

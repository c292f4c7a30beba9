package extractor

import (
	"fmt"
	"strconv"
	"strings"
)

// SolveChallenge sums the operands of an addition challenge such as "7 + 12".
// Empty operands are skipped; anything that is not an integer is an error.
func SolveChallenge(text string) (int, error) {
	sum, operands := 0, 0
	for _, part := range strings.Split(text, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("challenge operand %q is not a number", part)
		}
		sum += n
		operands++
	}
	if operands == 0 {
		return 0, fmt.Errorf("challenge %q has no operands", text)
	}
	return sum, nil
}

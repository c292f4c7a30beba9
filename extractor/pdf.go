package extractor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"grade-vista/internal/types"
)

const (
	// cssPixelsPerInch converts CSS pixels to the inches PrintToPDF expects
	cssPixelsPerInch = 96.0
	// pointsPerInch is the PDF user space unit
	pointsPerInch = 72.0
	// snapStep is the smallest size that is whole in both units: 4 CSS px = 3 pt
	snapStep = 4.0
)

// SnapRegion grows region to whole CSS pixels at its origin and to a multiple of
// snapStep in size, so the PNG and the PDF page describe exactly the same area.
func SnapRegion(region types.Rect) types.Rect {
	x, y := math.Floor(region.X), math.Floor(region.Y)
	right, bottom := region.X+region.Width, region.Y+region.Height
	return types.Rect{
		X:      x,
		Y:      y,
		Width:  math.Ceil((right-x)/snapStep) * snapStep,
		Height: math.Ceil((bottom-y)/snapStep) * snapStep,
	}
}

// PaperSize returns the paper size, in inches, of a PDF page that holds region exactly
func PaperSize(region types.Rect) (width, height float64, err error) {
	if region.Width <= 0 || region.Height <= 0 {
		return 0, 0, fmt.Errorf("region %.0fx%.0f has no area", region.Width, region.Height)
	}
	return region.Width / cssPixelsPerInch, region.Height / cssPixelsPerInch, nil
}

var mediaBoxPattern = regexp.MustCompile(`/MediaBox\s*\[\s*(-?[\d.]+)\s+(-?[\d.]+)\s+(-?[\d.]+)\s+(-?[\d.]+)\s*\]`)

// PageSize reads the first /MediaBox of a PDF and returns the page size in CSS pixels
func PageSize(pdf []byte) (width, height float64, err error) {
	m := mediaBoxPattern.FindSubmatch(pdf)
	if m == nil {
		return 0, 0, fmt.Errorf("no MediaBox found in document")
	}
	var box [4]float64
	for i := range box {
		if box[i], err = strconv.ParseFloat(string(m[i+1]), 64); err != nil {
			return 0, 0, fmt.Errorf("invalid MediaBox value %q: %w", m[i+1], err)
		}
	}
	return (box[2] - box[0]) * cssPixelsPerInch / pointsPerInch, (box[3] - box[1]) * cssPixelsPerInch / pointsPerInch, nil
}

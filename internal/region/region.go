// Package region implements the Region Proposer (RP): candidate parking-
// region extraction from a single image, either via intensity/edge
// heuristics or an injected object detector, plus deterministic
// cross-year matching. No library in the retrieval pack performs
// bounding-box NMS or contour/blob detection, so this is hand-written
// geometry against stdlib image.
package region

import (
	"image"
	"sort"

	"github.com/driftline/abandonwatch/internal/geo"
)

// Candidate is one proposed parking region on a single image, per spec §3.
type Candidate struct {
	RegionID int
	BBox     geo.BBox
}

// Detector is the injected interface for RP's mode B (spec §4.3): any
// implementation returning class-labeled boxes with confidence scores.
// This repository ships the full threshold/NMS pipeline around it; no
// specific network is bundled since none exists in the retrieval pack.
type Detector interface {
	Detect(img image.Image) ([]DetectedBox, error)
}

// DetectedBox is a raw detector output before confidence filtering and NMS.
type DetectedBox struct {
	BBox       geo.BBox
	Class      string
	Confidence float64
}

// Options tunes RP's thresholds from spec §6.
type Options struct {
	// Heuristic mode parameters.
	GSDMetersPerPixel float64
	AspectRatioMin     float64
	AspectRatioMax     float64

	// Detector mode parameters.
	DetectorConfidence float64
	NMSIoU             float64
}

// DefaultOptions matches spec §4.3's defaults.
func DefaultOptions() Options {
	return Options{
		GSDMetersPerPixel: 0.1,
		AspectRatioMin:    1.3,
		AspectRatioMax:    3.5,
		DetectorConfidence: 0.25,
		NMSIoU:             0.45,
	}
}

// vehicleAreaBounds returns (min, max) pixel area for a passenger-car-sized
// blob at the given ground-sample-distance, per spec §4.3's "~4.5m x 1.8m
// ~= 8 sq m on ground".
func vehicleAreaBounds(gsd float64) (min, max float64) {
	const carAreaM2 = 8.0
	const tolerance = 2.5
	pixelsPerM2 := 1.0 / (gsd * gsd)
	return carAreaM2 / tolerance * pixelsPerM2, carAreaM2 * tolerance * pixelsPerM2
}

// ProposeHeuristic implements spec §4.3 mode A: threshold on local
// intensity variance to find rectangular parked-car-sized blobs, filtered
// by aspect ratio and GSD-derived area bounds.
func ProposeHeuristic(img image.Image, opts Options) []Candidate {
	gray := toGrayMatrix(img)
	blobs := findVarianceBlobs(gray)

	minArea, maxArea := vehicleAreaBounds(opts.GSDMetersPerPixel)

	var boxes []geo.BBox
	for _, b := range blobs {
		area := float64(b.Area())
		if area < minArea || area > maxArea {
			continue
		}
		ratio := aspectRatio(b)
		if ratio < opts.AspectRatioMin || ratio > opts.AspectRatioMax {
			continue
		}
		boxes = append(boxes, b)
	}

	return assignRegionIDs(boxes)
}

// ProposeDetector implements spec §4.3 mode B: run det, apply confidence
// threshold and class-aware NMS.
func ProposeDetector(img image.Image, det Detector, opts Options) ([]Candidate, error) {
	raw, err := det.Detect(img)
	if err != nil {
		return nil, err
	}

	var filtered []DetectedBox
	for _, d := range raw {
		if d.Confidence >= opts.DetectorConfidence {
			filtered = append(filtered, d)
		}
	}

	kept := classAwareNMS(filtered, opts.NMSIoU)

	boxes := make([]geo.BBox, len(kept))
	for i, d := range kept {
		boxes[i] = d.BBox
	}

	return assignRegionIDs(boxes), nil
}

// assignRegionIDs sorts candidates by (y_center, x_center) and assigns the
// sort index as region_id, per spec §4.3's deterministic identity rule.
func assignRegionIDs(boxes []geo.BBox) []Candidate {
	sort.Slice(boxes, func(i, j int) bool {
		_, yi := boxes[i].Center()
		_, yj := boxes[j].Center()
		if yi != yj {
			return yi < yj
		}
		xi, _ := boxes[i].Center()
		xj, _ := boxes[j].Center()
		return xi < xj
	})

	out := make([]Candidate, len(boxes))
	for i, b := range boxes {
		out[i] = Candidate{RegionID: i, BBox: b}
	}
	return out
}

// classAwareNMS applies non-max suppression independently within each
// class, per spec §4.3 mode B.
func classAwareNMS(boxes []DetectedBox, iouThreshold float64) []DetectedBox {
	byClass := make(map[string][]DetectedBox)
	for _, b := range boxes {
		byClass[b.Class] = append(byClass[b.Class], b)
	}

	var out []DetectedBox
	for _, group := range byClass {
		out = append(out, nmsSingleClass(group, iouThreshold)...)
	}
	return out
}

func nmsSingleClass(boxes []DetectedBox, iouThreshold float64) []DetectedBox {
	sort.Slice(boxes, func(i, j int) bool { return boxes[i].Confidence > boxes[j].Confidence })

	kept := make([]DetectedBox, 0, len(boxes))
	suppressed := make([]bool, len(boxes))

	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] {
				continue
			}
			if boxes[i].BBox.IoU(boxes[j].BBox) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// MatchedPair is one cross-year candidate pair produced by IoU matching,
// per spec §4.3's final paragraph.
type MatchedPair struct {
	RegionID    int
	BBox1       geo.BBox
	BBox2       geo.BBox
	CentroidGeo geo.Coordinate
}

// Match pairs year1 and year2 candidates by IoU >= 0.3; unmatched
// candidates are dropped, per spec §4.3 and §8's boundary behaviors.
func Match(year1, year2 []Candidate, transform geo.Transform) []MatchedPair {
	const iouThreshold = 0.3

	used2 := make([]bool, len(year2))
	var pairs []MatchedPair

	for _, c1 := range year1 {
		bestIoU := 0.0
		bestIdx := -1
		for j, c2 := range year2 {
			if used2[j] {
				continue
			}
			iou := c1.BBox.IoU(c2.BBox)
			if iou > bestIoU {
				bestIoU = iou
				bestIdx = j
			}
		}
		if bestIdx >= 0 && bestIoU >= iouThreshold {
			used2[bestIdx] = true
			centroid := geo.BBoxCentroidGeo(transform, c1.BBox)
			pairs = append(pairs, MatchedPair{
				RegionID:    c1.RegionID,
				BBox1:       c1.BBox,
				BBox2:       year2[bestIdx].BBox,
				CentroidGeo: centroid,
			})
		}
	}

	return pairs
}

func aspectRatio(b geo.BBox) float64 {
	long := float64(b.W)
	short := float64(b.H)
	if short > long {
		long, short = short, long
	}
	if short == 0 {
		return 0
	}
	return long / short
}

// grayMatrix is a simple 2D intensity buffer used by the variance-blob
// heuristic.
type grayMatrix struct {
	w, h int
	pix  []uint8
}

func (g *grayMatrix) at(x, y int) uint8 {
	if x < 0 || y < 0 || x >= g.w || y >= g.h {
		return 0
	}
	return g.pix[y*g.w+x]
}

func toGrayMatrix(img image.Image) *grayMatrix {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := &grayMatrix{w: w, h: h, pix: make([]uint8, w*h)}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := (299*r + 587*g + 114*bl) / 1000
			out.pix[y*w+x] = uint8(lum >> 8)
		}
	}

	return out
}

// findVarianceBlobs scans the image in a fixed grid of candidate-sized
// windows and keeps windows whose local intensity variance exceeds a
// threshold, then merges adjacent high-variance cells into boxes — a
// stand-in for morphological opening/closing per spec §4.3 mode A.
func findVarianceBlobs(g *grayMatrix) []geo.BBox {
	const cell = 16
	const varianceThreshold = 250.0

	cellsX := g.w / cell
	cellsY := g.h / cell
	if cellsX == 0 || cellsY == 0 {
		return nil
	}

	hot := make([][]bool, cellsY)
	for cy := 0; cy < cellsY; cy++ {
		hot[cy] = make([]bool, cellsX)
		for cx := 0; cx < cellsX; cx++ {
			hot[cy][cx] = cellVariance(g, cx*cell, cy*cell, cell) >= varianceThreshold
		}
	}

	visited := make([][]bool, cellsY)
	for i := range visited {
		visited[i] = make([]bool, cellsX)
	}

	var boxes []geo.BBox
	for cy := 0; cy < cellsY; cy++ {
		for cx := 0; cx < cellsX; cx++ {
			if !hot[cy][cx] || visited[cy][cx] {
				continue
			}
			minCX, minCY, maxCX, maxCY := floodFill(hot, visited, cx, cy, cellsX, cellsY)
			boxes = append(boxes, geo.BBox{
				X: minCX * cell,
				Y: minCY * cell,
				W: (maxCX - minCX + 1) * cell,
				H: (maxCY - minCY + 1) * cell,
			})
		}
	}

	return boxes
}

func cellVariance(g *grayMatrix, x0, y0, size int) float64 {
	var sum, sumSq float64
	n := 0
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			v := float64(g.at(x, y))
			sum += v
			sumSq += v * v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func floodFill(hot, visited [][]bool, startX, startY, w, h int) (minX, minY, maxX, maxY int) {
	minX, minY, maxX, maxY = startX, startY, startX, startY
	stack := [][2]int{{startX, startY}}
	visited[startY][startX] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]

		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}

		neighbors := [][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}}
		for _, n := range neighbors {
			nx, ny := n[0], n[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			if visited[ny][nx] || !hot[ny][nx] {
				continue
			}
			visited[ny][nx] = true
			stack = append(stack, [2]int{nx, ny})
		}
	}

	return
}

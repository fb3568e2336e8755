// Package align implements the Image Aligner (ALN): it registers two
// StitchedImages of the same area into a common pixel frame using ORB-style
// keypoints, Hamming matching, and a RANSAC homography. No library in the
// retrieval pack implements feature matching or homography estimation (no
// GoCV/OpenCV bindings, no CV package anywhere in _examples/), so the
// keypoint/matching core is hand-written against stdlib image and
// gonum.org/v1/gonum/mat supplies the homography least-squares solve.
package align

import (
	"image"
	"image/draw"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Result is ALN's output contract from spec §4.2.
type Result struct {
	Img1        *image.Gray
	Img2        *image.Gray
	Aligned     bool
	InlierRatio float64
}

// Options tunes the alignment thresholds from spec §6.
type Options struct {
	MaxKeypoints   int
	KeepFraction   float64
	MinMatches     int
	RansacReprojPx float64
	MinInlierRatio float64
}

// DefaultOptions matches spec §4.2's defaults.
func DefaultOptions() Options {
	return Options{
		MaxKeypoints:   5000,
		KeepFraction:   0.2,
		MinMatches:     10,
		RansacReprojPx: 3,
		MinInlierRatio: 0.3,
	}
}

// Align implements the algorithm in spec §4.2.
func Align(img1, img2 image.Image, opts Options) Result {
	gray1 := toGray(img1)
	gray2 := toGray(img2)

	kp1 := detectKeypoints(gray1, opts.MaxKeypoints)
	kp2 := detectKeypoints(gray2, opts.MaxKeypoints)

	matches := matchKeypoints(kp1, kp2, opts.KeepFraction)

	if len(matches) < opts.MinMatches {
		return fallback(gray1, gray2)
	}

	homography, inlierRatio, ok := estimateHomography(matches, opts.RansacReprojPx)
	if !ok || inlierRatio < opts.MinInlierRatio {
		return fallback(gray1, gray2)
	}

	warped := warp(gray2, homography, gray1.Bounds())
	cropped1, cropped2 := cropToOverlap(gray1, warped)

	return Result{Img1: cropped1, Img2: cropped2, Aligned: true, InlierRatio: inlierRatio}
}

// fallback returns the inputs cropped to their common minimal dimensions
// without warping, per spec §4.2 step 4.
func fallback(img1, img2 *image.Gray) Result {
	w := min(img1.Bounds().Dx(), img2.Bounds().Dx())
	h := min(img1.Bounds().Dy(), img2.Bounds().Dy())
	rect := image.Rect(0, 0, w, h)

	c1 := image.NewGray(rect)
	draw.Draw(c1, rect, img1, img1.Bounds().Min, draw.Src)
	c2 := image.NewGray(rect)
	draw.Draw(c2, rect, img2, img2.Bounds().Min, draw.Src)

	return Result{Img1: c1, Img2: c2, Aligned: false}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

// keypoint is an ORB-style corner: a pixel location with a binary
// descriptor sampled from its neighborhood intensity comparisons (a
// BRIEF-style descriptor, the standard pairing with ORB's FAST detector).
// No keypoint orientation is computed and the sampling pattern is never
// rotated, so the descriptor is not rotation-invariant.
type keypoint struct {
	x, y       int
	descriptor uint64
	score      float64
}

// detectKeypoints finds up to maxKeypoints corners by local-intensity-
// variance scoring (FAST-like) and attaches a 64-bit binary descriptor per
// keypoint, per spec §4.2 step 2.
func detectKeypoints(img *image.Gray, maxKeypoints int) []keypoint {
	b := img.Bounds()
	const margin = 8
	var candidates []keypoint

	for y := b.Min.Y + margin; y < b.Max.Y-margin; y += 2 {
		for x := b.Min.X + margin; x < b.Max.X-margin; x += 2 {
			score := cornerScore(img, x, y)
			if score < 10 {
				continue
			}
			candidates = append(candidates, keypoint{
				x: x, y: y,
				descriptor: briefDescriptor(img, x, y),
				score:      score,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxKeypoints {
		candidates = candidates[:maxKeypoints]
	}

	return candidates
}

// cornerScore approximates FAST's circular-intensity-comparison score with
// the variance of a 3x3 neighborhood, which is cheap and rotation-tolerant
// enough for this use.
func cornerScore(img *image.Gray, x, y int) float64 {
	var sum, sumSq float64
	n := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			v := float64(img.GrayAt(x+dx, y+dy).Y)
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// briefDescriptor builds a 64-bit binary descriptor from 64 fixed pairwise
// intensity comparisons in the keypoint's neighborhood (BRIEF).
func briefDescriptor(img *image.Gray, x, y int) uint64 {
	var desc uint64
	for i, pair := range briefPairs {
		p1 := img.GrayAt(x+pair[0], y+pair[1]).Y
		p2 := img.GrayAt(x+pair[2], y+pair[3]).Y
		if p1 < p2 {
			desc |= 1 << uint(i)
		}
	}
	return desc
}

// briefPairs is a fixed, deterministic sampling pattern of 64 pixel-offset
// pairs within a 15x15 window (offsets in [-7, 7]), generated once so the descriptor is
// reproducible across runs (no training-time randomness, per spec §4.4's
// determinism requirement, applied here for consistency).
var briefPairs = generateBriefPairs()

func generateBriefPairs() [64][4]int {
	var pairs [64][4]int
	// Deterministic pseudo-random pattern via a fixed linear congruential
	// sequence, avoiding math/rand's global state so the pattern never
	// changes between runs or Go versions.
	seed := uint32(0x9E3779B9)
	next := func() int {
		seed = seed*1664525 + 1013904223
		return int(seed%15) - 7 // offsets in [-7, 7]
	}
	for i := range pairs {
		pairs[i] = [4]int{next(), next(), next(), next()}
	}
	return pairs
}

type matchPair struct {
	p1, p2 keypoint
}

// matchKeypoints pairs keypoints by minimal Hamming distance and keeps the
// best fraction by distance, per spec §4.2 step 3.
func matchKeypoints(kp1, kp2 []keypoint, keepFraction float64) []matchPair {
	if len(kp1) == 0 || len(kp2) == 0 {
		return nil
	}

	type scored struct {
		pair matchPair
		dist int
	}
	var all []scored

	for _, a := range kp1 {
		bestDist := math.MaxInt32
		bestIdx := -1
		for idx, b := range kp2 {
			d := hammingDistance(a.descriptor, b.descriptor)
			if d < bestDist {
				bestDist = d
				bestIdx = idx
			}
		}
		if bestIdx >= 0 {
			all = append(all, scored{pair: matchPair{p1: a, p2: kp2[bestIdx]}, dist: bestDist})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })

	keep := int(float64(len(all)) * keepFraction)
	if keep < 1 && len(all) > 0 {
		keep = 1
	}
	if keep > len(all) {
		keep = len(all)
	}

	out := make([]matchPair, keep)
	for i := 0; i < keep; i++ {
		out[i] = all[i].pair
	}
	return out
}

func hammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}

// estimateHomography runs a RANSAC loop over match candidates and returns
// the best homography found plus its inlier ratio, per spec §4.2 step 5.
func estimateHomography(matches []matchPair, reprojThreshold float64) (*mat.Dense, float64, bool) {
	if len(matches) < 4 {
		return nil, 0, false
	}

	const iterations = 200
	rng := newDeterministicRNG(uint64(len(matches)) * 2654435761)

	var best *mat.Dense
	bestInliers := -1

	for iter := 0; iter < iterations; iter++ {
		sampleIdx := rng.sample4(len(matches))
		h, ok := solveHomography(matches, sampleIdx)
		if !ok {
			continue
		}

		inliers := countInliers(matches, h, reprojThreshold)
		if inliers > bestInliers {
			bestInliers = inliers
			best = h
		}
	}

	if best == nil {
		return nil, 0, false
	}

	return best, float64(bestInliers) / float64(len(matches)), true
}

func countInliers(matches []matchPair, h *mat.Dense, threshold float64) int {
	count := 0
	for _, m := range matches {
		px, py := applyHomography(h, float64(m.p1.x), float64(m.p1.y))
		dx := px - float64(m.p2.x)
		dy := py - float64(m.p2.y)
		if math.Sqrt(dx*dx+dy*dy) <= threshold {
			count++
		}
	}
	return count
}

func applyHomography(h *mat.Dense, x, y float64) (float64, float64) {
	wx := h.At(0, 0)*x + h.At(0, 1)*y + h.At(0, 2)
	wy := h.At(1, 0)*x + h.At(1, 1)*y + h.At(1, 2)
	w := h.At(2, 0)*x + h.At(2, 1)*y + h.At(2, 2)
	if w == 0 {
		w = 1e-9
	}
	return wx / w, wy / w
}

// solveHomography fits a 3x3 homography from 4 point correspondences via
// the direct linear transform, solved with gonum's SVD.
func solveHomography(matches []matchPair, idx [4]int) (*mat.Dense, bool) {
	a := mat.NewDense(8, 9, nil)
	for i, mi := range idx {
		m := matches[mi]
		x, y := float64(m.p1.x), float64(m.p1.y)
		u, v := float64(m.p2.x), float64(m.p2.y)

		row := 2 * i
		a.SetRow(row, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(row+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}

	var v mat.Dense
	svd.VTo(&v)

	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		h.Set(i/3, i%3, v.At(i, 8))
	}

	if h.At(2, 2) == 0 {
		return nil, false
	}

	return h, true
}

// deterministicRNG is a tiny xorshift generator so RANSAC sampling is
// reproducible for identical inputs, matching the embedder's and
// descriptor's determinism requirements.
type deterministicRNG struct {
	state uint64
}

func newDeterministicRNG(seed uint64) *deterministicRNG {
	if seed == 0 {
		seed = 1
	}
	return &deterministicRNG{state: seed}
}

func (r *deterministicRNG) next() uint64 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	return r.state
}

func (r *deterministicRNG) sample4(n int) [4]int {
	var out [4]int
	for i := range out {
		out[i] = int(r.next() % uint64(n))
	}
	return out
}

// warp resamples img2 into a frame matching targetBounds. h maps img1
// coordinates to img2 coordinates (the direction solveHomography fits), so
// each target pixel (x, y) takes img2's value at h(x, y).
func warp(img2 *image.Gray, h *mat.Dense, targetBounds image.Rectangle) *image.Gray {
	out := image.NewGray(targetBounds)

	var hInv mat.Dense
	if err := hInv.Inverse(h); err != nil {
		// Degenerate homography: fall back to identity copy.
		draw.Draw(out, targetBounds, img2, img2.Bounds().Min, draw.Src)
		return out
	}

	for y := targetBounds.Min.Y; y < targetBounds.Max.Y; y++ {
		for x := targetBounds.Min.X; x < targetBounds.Max.X; x++ {
			sx, sy := applyHomography(h, float64(x), float64(y))
			ix, iy := int(sx), int(sy)
			if (image.Point{ix, iy}).In(img2.Bounds()) {
				out.SetGray(x, y, img2.GrayAt(ix, iy))
			}
		}
	}

	return out
}

// cropToOverlap crops both images to their common rectangle.
func cropToOverlap(img1, img2 *image.Gray) (*image.Gray, *image.Gray) {
	w := min(img1.Bounds().Dx(), img2.Bounds().Dx())
	h := min(img1.Bounds().Dy(), img2.Bounds().Dy())
	rect := image.Rect(0, 0, w, h)

	c1 := image.NewGray(rect)
	draw.Draw(c1, rect, img1, img1.Bounds().Min, draw.Src)
	c2 := image.NewGray(rect)
	draw.Draw(c2, rect, img2, img2.Bounds().Min, draw.Src)

	return c1, c2
}

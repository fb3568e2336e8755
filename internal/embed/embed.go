// Package embed implements the Feature Embedder (FE): a deterministic,
// fixed-dimension descriptor over an image crop. No pretrained neural
// backbone is available anywhere in the retrieval pack (no ONNX runtime,
// no gorgonia, no ggml/gguf, no tensorflow/torch bindings in _examples/),
// so this embedder is a hand-built color/gradient/shape descriptor
// projected to a fixed dimension with a seeded, immutable random
// projection matrix — deterministic by construction, matching spec §4.4's
// "no dropout, no training-mode randomness" requirement.
package embed

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/mat"
)

const (
	targetWidth  = 224
	targetHeight = 224

	// rawFeatureDim is the dimension of the hand-built descriptor before
	// projection: 3 x 16-bin color histograms + 8-bin gradient-orientation
	// histogram + 4 spatial moments.
	rawFeatureDim = 3*16 + 8 + 4
)

var (
	imagenetMean = [3]float64{0.485, 0.456, 0.406}
	imagenetStd  = [3]float64{0.229, 0.224, 0.225}
)

// Embedder produces fixed-dimension embeddings, L2-normalized when it is
// constructed with normalize set.
type Embedder struct {
	dim        int
	normalize  bool
	projection *mat.Dense // dim x rawFeatureDim, fixed at construction

	// worker is a size-1 buffered channel acting as a mutex-with-queue: the
	// model is not assumed thread-safe, so at most one Embed call runs at a
	// time, mirroring the donor's bounded-channel-as-semaphore idiom used
	// elsewhere for its upload pool.
	worker chan struct{}
}

// New builds an Embedder whose output dimension is dim (1280 or 2048 per
// spec §4.4), with a projection matrix generated once from a fixed seed so
// it never changes across runs or processes — the deployment-wide constant
// the spec requires.
func New(dim int, normalize bool) *Embedder {
	worker := make(chan struct{}, 1)
	worker <- struct{}{}
	return &Embedder{
		dim:        dim,
		normalize:  normalize,
		projection: fixedProjection(dim, rawFeatureDim),
		worker:     worker,
	}
}

// Result is one embedding with its error flag, per spec §4.4's batch
// contract: a crop that cannot be embedded returns a zero vector plus an
// error rather than being silently dropped.
type Result struct {
	Vector []float64
	Err    error
}

// Embed implements FE's single-crop contract.
func (e *Embedder) Embed(crop image.Image) Result {
	b := crop.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Result{Vector: make([]float64, e.dim), Err: errZeroArea}
	}

	<-e.worker
	defer func() { e.worker <- struct{}{} }()

	resized := imaging.Resize(crop, targetWidth, targetHeight, imaging.Lanczos)
	raw := rawFeatures(resized)

	vec := make([]float64, e.dim)
	rawVec := mat.NewVecDense(len(raw), raw)
	outVec := mat.NewVecDense(e.dim, nil)
	outVec.MulVec(e.projection, rawVec)
	for i := 0; i < e.dim; i++ {
		vec[i] = outVec.AtVec(i)
	}

	if e.normalize {
		normalizeInPlace(vec)
	}

	return Result{Vector: vec}
}

// EmbedBatch implements FE's embed_batch contract, preserving input order.
func (e *Embedder) EmbedBatch(crops []image.Image) []Result {
	out := make([]Result, len(crops))
	for i, c := range crops {
		out[i] = e.Embed(c)
	}
	return out
}

var errZeroArea = errZeroAreaError{}

type errZeroAreaError struct{}

func (errZeroAreaError) Error() string { return "embed: zero-area crop" }

// rawFeatures builds the hand-built descriptor: per-channel 16-bin color
// histograms, an 8-bin gradient-orientation histogram, and 4 spatial
// moments, after fixed ImageNet-style preprocessing.
func rawFeatures(img image.Image) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	normR := make([]float64, w*h)
	normG := make([]float64, w*h)
	normB := make([]float64, w*h)
	gray := make([]float64, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rf := float64(r>>8) / 255
			gf := float64(g>>8) / 255
			bf := float64(bl>>8) / 255

			idx := y*w + x
			normR[idx] = (rf - imagenetMean[0]) / imagenetStd[0]
			normG[idx] = (gf - imagenetMean[1]) / imagenetStd[1]
			normB[idx] = (bf - imagenetMean[2]) / imagenetStd[2]
			gray[idx] = 0.299*rf + 0.587*gf + 0.114*bf
		}
	}

	feats := make([]float64, 0, rawFeatureDim)
	feats = append(feats, histogram(normR, 16)...)
	feats = append(feats, histogram(normG, 16)...)
	feats = append(feats, histogram(normB, 16)...)
	feats = append(feats, gradientOrientationHistogram(gray, w, h, 8)...)
	feats = append(feats, spatialMoments(gray, w, h)...)

	return feats
}

func histogram(values []float64, bins int) []float64 {
	hist := make([]float64, bins)
	if len(values) == 0 {
		return hist
	}

	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	rangeV := maxV - minV
	if rangeV == 0 {
		rangeV = 1
	}

	for _, v := range values {
		bin := int((v - minV) / rangeV * float64(bins))
		if bin >= bins {
			bin = bins - 1
		}
		if bin < 0 {
			bin = 0
		}
		hist[bin]++
	}

	total := float64(len(values))
	for i := range hist {
		hist[i] /= total
	}

	return hist
}

func gradientOrientationHistogram(gray []float64, w, h, bins int) []float64 {
	hist := make([]float64, bins)
	count := 0

	at := func(x, y int) float64 {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return gray[y*w+x]
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := at(x+1, y) - at(x-1, y)
			gy := at(x, y+1) - at(x, y-1)
			mag := math.Hypot(gx, gy)
			if mag < 1e-6 {
				continue
			}
			angle := math.Atan2(gy, gx) + math.Pi // [0, 2pi)
			bin := int(angle / (2 * math.Pi) * float64(bins))
			if bin >= bins {
				bin = bins - 1
			}
			hist[bin] += mag
			count++
		}
	}

	if count > 0 {
		for i := range hist {
			hist[i] /= float64(count)
		}
	}

	return hist
}

func spatialMoments(gray []float64, w, h int) []float64 {
	var sumX, sumY, sumI float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := gray[y*w+x]
			sumI += v
			sumX += v * float64(x)
			sumY += v * float64(y)
		}
	}
	if sumI == 0 {
		return []float64{0, 0, 0, 0}
	}

	cx := sumX / sumI
	cy := sumY / sumI

	var varX, varY float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := gray[y*w+x]
			varX += v * (float64(x) - cx) * (float64(x) - cx)
			varY += v * (float64(y) - cy) * (float64(y) - cy)
		}
	}
	varX /= sumI
	varY /= sumI

	return []float64{cx / float64(w), cy / float64(h), varX / float64(w*w), varY / float64(h*h)}
}

// fixedProjection builds a (rows x cols) matrix from a deterministic
// xorshift sequence seeded by the output dimension, so the same dim always
// yields the same projection — the "load once, never mutate" global state
// the concurrency model assumes for the embedder.
func fixedProjection(rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	state := uint64(rows)*1000003 + uint64(cols) + 0x2545F4914F6CDD1D

	next := func() float64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		// map to roughly N(0, 1/cols) scale via a simple transform
		return (float64(state%2000001)/1000000.0 - 1.0) / math.Sqrt(float64(cols))
	}

	for i := range data {
		data[i] = next()
	}

	return mat.NewDense(rows, cols, data)
}

func normalizeInPlace(v []float64) {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

// CosineSimilarity implements spec §4.5 step 4: dot(u,v)/(|u||v|), clamped
// to [0, 1] with negatives mapped to 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA < 1e-12 || normB < 1e-12 {
		return 0
	}

	s := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

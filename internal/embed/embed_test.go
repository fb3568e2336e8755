package embed

import (
	"image"
	"image/color"
	"testing"
)

func sampleCrop() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 5), uint8(y * 5), 128, 255})
		}
	}
	return img
}

func TestEmbedDeterministic(t *testing.T) {
	e := New(128, true)
	crop := sampleCrop()

	a := e.Embed(crop)
	b := e.Embed(crop)

	if a.Err != nil || b.Err != nil {
		t.Fatalf("unexpected errors: %v, %v", a.Err, b.Err)
	}
	if len(a.Vector) != 128 || len(b.Vector) != 128 {
		t.Fatalf("expected 128-dim vectors, got %d and %d", len(a.Vector), len(b.Vector))
	}
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			t.Fatalf("embeddings of the same crop diverged at index %d: %v != %v", i, a.Vector[i], b.Vector[i])
		}
	}
}

func TestEmbedZeroAreaCrop(t *testing.T) {
	e := New(128, true)
	zeroCrop := image.NewRGBA(image.Rect(0, 0, 0, 0))

	result := e.Embed(zeroCrop)

	if result.Err == nil {
		t.Fatal("expected an error for a zero-area crop")
	}
	if len(result.Vector) != 128 {
		t.Errorf("expected a zero vector of length 128, got %d", len(result.Vector))
	}
	for _, v := range result.Vector {
		if v != 0 {
			t.Errorf("expected all-zero vector for zero-area crop, found %v", v)
			break
		}
	}
}

func TestEmbedSequentialCallsDoNotDeadlock(t *testing.T) {
	e := New(64, true)
	crop := sampleCrop()

	for i := 0; i < 5; i++ {
		if result := e.Embed(crop); result.Err != nil {
			t.Fatalf("call %d failed: %v", i, result.Err)
		}
	}
}

func TestEmbedNormalizedVectorHasUnitNorm(t *testing.T) {
	e := New(64, true)
	result := e.Embed(sampleCrop())

	var sumSq float64
	for _, v := range result.Vector {
		sumSq += v * v
	}
	if diff := sumSq - 1.0; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("expected unit-norm vector (sum of squares = 1), got %v", sumSq)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	e := New(32, true)
	crops := []image.Image{sampleCrop(), image.NewRGBA(image.Rect(0, 0, 0, 0))}

	results := e.EmbedBatch(crops)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil || results[1].Err == nil {
		t.Fatalf("batch results out of input order: errors = %v, %v", results[0].Err, results[1].Err)
	}
	single := e.Embed(crops[0])
	for i := range single.Vector {
		if results[0].Vector[i] != single.Vector[i] {
			t.Fatalf("batch result 0 differs from embedding crop 0 alone at index %d", i)
		}
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float64{1, 2, 3}
	if got := CosineSimilarity(v, v); got < 0.999999 {
		t.Errorf("CosineSimilarity(v, v) = %v, want ~1", got)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("CosineSimilarity(orthogonal) = %v, want 0", got)
	}
}

func TestCosineSimilarityMismatchedLengths(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{1, 2}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("CosineSimilarity(mismatched) = %v, want 0", got)
	}
}

func TestCosineSimilarityNearZeroNorm(t *testing.T) {
	a := []float64{1e-15, 1e-15}
	b := []float64{1, 1}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("CosineSimilarity(near-zero norm) = %v, want 0", got)
	}
}

func TestCosineSimilarityNegativeClampedToZero(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{-1, 0}
	if got := CosineSimilarity(a, b); got != 0 {
		t.Errorf("CosineSimilarity(opposite vectors) = %v, want 0", got)
	}
}

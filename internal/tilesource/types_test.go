package tilesource

import "testing"

func TestCacheKeyDeterministic(t *testing.T) {
	a := CacheKey(18, 100, 200, 2, "http:2020")
	b := CacheKey(18, 100, 200, 2, "http:2020")
	if a != b {
		t.Errorf("CacheKey not deterministic: %s != %s", a, b)
	}
}

func TestCacheKeyDistinguishesInputs(t *testing.T) {
	base := CacheKey(18, 100, 200, 2, "http:2020")
	variants := []string{
		CacheKey(19, 100, 200, 2, "http:2020"),
		CacheKey(18, 101, 200, 2, "http:2020"),
		CacheKey(18, 100, 201, 2, "http:2020"),
		CacheKey(18, 100, 200, 3, "http:2020"),
		CacheKey(18, 100, 200, 2, "http:2021"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base key", i)
		}
	}
}

func TestCacheKeyLooksLikeHex(t *testing.T) {
	key := CacheKey(18, 100, 200, 2, "http:2020")
	if len(key) != 64 {
		t.Errorf("expected a 64-character hex sha256 digest, got length %d", len(key))
	}
}

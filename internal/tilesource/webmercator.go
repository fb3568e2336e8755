package tilesource

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/driftline/abandonwatch/internal/geo"
)

// tileSizePixels is the standard XYZ/Web-Mercator tile edge length.
const tileSizePixels = 256

// centerTile computes the tile index containing (lat, lon) at zoom, per
// spec §4.1 step 1. Uses paulmach/orb's Web-Mercator tile math rather than
// hand-rolled trigonometry.
func centerTile(lat, lon float64, zoom int) maptile.Tile {
	return maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
}

// stitchTransform derives the pixel-to-geo transform for a stitched block
// of tiles whose top-left tile is (originTx, originTy), per spec §4.1
// step 6: origin is the top-left tile's north-west corner, scale is the
// tile's span in degrees divided by its pixel size.
func stitchTransform(originTile maptile.Tile) geo.Transform {
	bound := originTile.Bound()
	return geo.Transform{
		OriginLat:        bound.Max.Lat(), // north edge
		OriginLon:        bound.Min.Lon(), // west edge
		DegreesPerPixelX: (bound.Max.Lon() - bound.Min.Lon()) / tileSizePixels,
		DegreesPerPixelY: (bound.Max.Lat() - bound.Min.Lat()) / tileSizePixels,
	}
}

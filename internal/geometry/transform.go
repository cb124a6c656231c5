package geometry

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Transform maps a point from the source coordinate system to WGS84
// longitude/latitude. A nil Transform writes coordinates unchanged.
type Transform func(geom.Coord) (geom.Coord, error)

// Geographic datums treated as WGS84. The NAD83 to WGS84 shift is a no-op
// for this region (EPSG:1188).
var wgs84Equivalent = []string{
	"WGS_1984", "WGS 84", "WGS84",
	"NORTH_AMERICAN_DATUM_1983", "NAD83", "NAD_1983", "D_NORTH_AMERICAN_1983",
}

// TransformFor returns the transform for a .prj definition. Geographic
// NAD83 or WGS84 definitions, and an absent definition, need none.
// Projected systems are not supported.
func TransformFor(crs string) (Transform, error) {
	def := strings.ToUpper(strings.TrimSpace(crs))
	if def == "" {
		return nil, nil
	}
	if strings.HasPrefix(def, "PROJCS") {
		return nil, eris.Errorf("geometry: projected coordinate system not supported: %.60s", crs)
	}
	if !strings.HasPrefix(def, "GEOGCS") {
		return nil, eris.Errorf("geometry: unrecognised coordinate system: %.60s", crs)
	}
	for _, datum := range wgs84Equivalent {
		if strings.Contains(def, datum) {
			return nil, nil
		}
	}
	return nil, eris.Errorf("geometry: unsupported datum: %.60s", crs)
}

// Apply runs t on pt, returning pt itself when t is nil.
func (t Transform) Apply(pt *geom.Point) (*geom.Point, error) {
	if t == nil {
		return pt, nil
	}
	c, err := t(pt.Coords())
	if err != nil {
		return nil, eris.Wrap(err, "geometry: transform")
	}
	return geom.NewPointFlat(geom.XY, []float64{c.X(), c.Y()}), nil
}

// Package geometry joins unit point locations from the roll's companion
// shapefile onto stored units.
package geometry

import (
	"errors"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// Source yields (unit id, point) pairs in file order.
type Source interface {
	Next() bool
	Record() (id string, pt *geom.Point, err error)
	Err() error
	Close() error
}

// Shapefile reads unit points from a shapefile. The unit id is the first
// attribute and the location is the first point of the shape.
type Shapefile struct {
	reader *shp.Reader
	crs    string
}

// OpenShapefile opens path and reads its .prj sidecar, if any.
func OpenShapefile(path string) (*Shapefile, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geometry: open shapefile %s", path)
	}
	if len(reader.Fields()) == 0 {
		_ = reader.Close()
		return nil, eris.Errorf("geometry: shapefile %s has no attributes", path)
	}

	prj := strings.TrimSuffix(path, ".shp") + ".prj"
	crs, err := os.ReadFile(prj)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = reader.Close()
		return nil, eris.Wrapf(err, "geometry: read %s", prj)
	}
	return &Shapefile{reader: reader, crs: strings.TrimSpace(string(crs))}, nil
}

// CRS returns the coordinate system definition from the .prj sidecar, or ""
// when there is none.
func (s *Shapefile) CRS() string { return s.crs }

// Next advances to the next record.
func (s *Shapefile) Next() bool { return s.reader.Next() }

// Record returns the current record.
func (s *Shapefile) Record() (string, *geom.Point, error) {
	n, shape := s.reader.Shape()
	id := strings.TrimSpace(strings.TrimRight(s.reader.Attribute(0), "\x00"))
	if id == "" {
		return "", nil, eris.Errorf("geometry: record %d has no id", n)
	}

	x, y, ok := firstPoint(shape)
	if !ok {
		return id, nil, eris.Errorf("geometry: record %d (%s) has no point", n, id)
	}
	return id, geom.NewPointFlat(geom.XY, []float64{x, y}), nil
}

// Err returns the first read error, if any.
func (s *Shapefile) Err() error {
	if err := s.reader.Err(); err != nil {
		return eris.Wrap(err, "geometry: read shapefile")
	}
	return nil
}

// Close closes the underlying files.
func (s *Shapefile) Close() error { return s.reader.Close() }

func firstPoint(shape shp.Shape) (x, y float64, ok bool) {
	switch s := shape.(type) {
	case *shp.Point:
		return s.X, s.Y, true
	case *shp.PointZ:
		return s.X, s.Y, true
	case *shp.PointM:
		return s.X, s.Y, true
	case *shp.MultiPoint:
		return first(s.Points)
	case *shp.PolyLine:
		return first(s.Points)
	case *shp.Polygon:
		return first(s.Points)
	default:
		return 0, 0, false
	}
}

func first(points []shp.Point) (x, y float64, ok bool) {
	if len(points) == 0 {
		return 0, 0, false
	}
	return points[0].X, points[0].Y, true
}

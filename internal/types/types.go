// README: Common identifier and coordinate value objects used across modules.
package types

// ID is an opaque entity identifier (32-char hex for internally generated rows,
// UUID for externally visible ids).
type ID string

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Place is a coordinate with a human-readable name attached.
type Place struct {
	Point
	Name string
}

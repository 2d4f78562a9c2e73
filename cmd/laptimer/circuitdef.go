package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lapviz/laptimer/circuit"
	"github.com/lapviz/laptimer/geo"
)

// circuitPoint is the JSON wire shape for one GeoPoint in a circuit
// definition file.
type circuitPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

func (p circuitPoint) toGeoPoint() geo.GeoPoint {
	return geo.NewGeoPoint(p.Lat, p.Lon, p.Alt)
}

// circuitSegmentDef is one oriented boundary segment's wire shape.
type circuitSegmentDef struct {
	Number int          `json:"number"`
	Start  circuitPoint `json:"start"`
	End    circuitPoint `json:"end"`
}

// circuitDef is the on-disk shape of a single circuit definition, the
// operator-supplied equivalent of the teacher's tuning-config file:
// this binary ships no built-in circuit catalogue, only the loader.
type circuitDef struct {
	Code                 string              `json:"code"`
	Name                 string              `json:"name"`
	Type                 string              `json:"type"` // "closed" or "open"
	UseDirection         bool                `json:"use_direction"`
	BoundingBox          [2]circuitPoint     `json:"bounding_box"`
	Segments             []circuitSegmentDef `json:"segments"`
	SectorTimeoutSeconds uint32              `json:"sector_timeout_seconds"`
}

// loadCircuitDefinition reads a circuit definition JSON file and builds
// a *circuit.Circuit from it.
func loadCircuitDefinition(path string) (*circuit.Circuit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read circuit definition %s: %w", path, err)
	}
	var def circuitDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse circuit definition %s: %w", path, err)
	}

	typ := circuit.Closed
	if def.Type == "open" {
		typ = circuit.Open
	}

	segments := make([]circuit.Segment, len(def.Segments))
	for i, s := range def.Segments {
		segments[i] = circuit.Segment{
			Number:   s.Number,
			Boundary: geo.NewSegment(s.Start.toGeoPoint(), s.End.toGeoPoint()),
		}
	}
	boundingBox := geo.NewSegment(def.BoundingBox[0].toGeoPoint(), def.BoundingBox[1].toGeoPoint())

	c, err := circuit.New(def.Code, def.Name, typ, def.UseDirection, boundingBox, segments, def.SectorTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("build circuit from %s: %w", path, err)
	}
	return c, nil
}

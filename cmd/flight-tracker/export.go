package main

import (
	"context"
	"encoding/xml"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"flight_tracker/internal/config"
	"flight_tracker/internal/resolver"
	"flight_tracker/internal/state"
	"flight_tracker/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string    `xml:"id,attr"`
	LineStyle LineStyle `xml:"LineStyle"`
}

// LineStyle defines how tracks are drawn.
type LineStyle struct {
	Color string  `xml:"color"` // aabbggrr
	Width float64 `xml:"width"`
}

// Placemark is one flight's replayed track.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	LineString   LineString    `xml:"LineString"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// LineString is an ordered list of coordinates.
type LineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"` // lon,lat,alt tuples separated by spaces
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// trackSource is what sampleTracks needs from the resolver.
type trackSource interface {
	Resolve(ctx context.Context, at time.Time) ([]state.Position, error)
}

// sampleTracks resolves every flight's replay position each step across
// [from, to]. Consecutive identical positions are collapsed.
func sampleTracks(ctx context.Context, src trackSource, from, to time.Time, step time.Duration) (map[string][]state.Position, error) {
	if step <= 0 {
		return nil, errors.New("step must be positive")
	}
	tracks := make(map[string][]state.Position)
	for at := from; !at.After(to); at = at.Add(step) {
		positions, err := src.Resolve(ctx, at)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", at.UTC().Format(time.RFC3339), err)
		}
		for _, p := range positions {
			tr := tracks[p.FlightID]
			if n := len(tr); n > 0 && tr[n-1].Lat == p.Lat && tr[n-1].Lng == p.Lng {
				continue
			}
			tracks[p.FlightID] = append(tr, p)
		}
	}
	return tracks, nil
}

// generateKML creates a KML document with one track per flight, in flight order.
func generateKML(flights []state.Flight, tracks map[string][]state.Position, from, to time.Time) KML {
	placemarks := make([]Placemark, 0, len(flights))
	for _, f := range flights {
		tr := tracks[f.ID]
		if len(tr) == 0 {
			continue
		}

		coords := make([]string, len(tr))
		for i, p := range tr {
			// KML coordinates are in the format: longitude,latitude,altitude
			coords[i] = fmt.Sprintf("%.6f,%.6f,0", p.Lng, p.Lat)
		}

		name := f.FlightCode
		if name == "" {
			name = f.ID
		}
		placemarks = append(placemarks, Placemark{
			Name:        name,
			Description: fmt.Sprintf("Points: %d", len(tr)),
			StyleURL:    "#trackStyle",
			LineString: LineString{
				Tessellate:  1,
				Coordinates: strings.Join(coords, " "),
			},
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "flight_id", Value: f.ID},
					{Name: "points", Value: fmt.Sprintf("%d", len(tr))},
				},
			},
		})
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name: "Flight Tracks",
			Description: fmt.Sprintf("Replayed positions from %s to %s.",
				from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)),
			Styles: []Style{
				{ID: "trackStyle", LineStyle: LineStyle{Color: "ff0000ff", Width: 2}},
			},
			Placemarks: placemarks,
		},
	}
}

func runExport(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	storeFlags(fs, &cfg)
	output := fs.String("output", "", "Output KML file (default: stdout)")
	step := fs.Duration("step", 30*time.Second, "Sampling interval along each track")
	fs.DurationVar(&cfg.MaxGap, "max-gap", cfg.MaxGap, "Widest sample gap that is still interpolated")
	verbose := fs.Bool("v", false, "Verbose output")
	_ = fs.Parse(args)

	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	res := resolver.New(store, nil, resolver.WithMaxGap(cfg.MaxGap), resolver.WithRangePad(0))
	defer res.Close()
	if err := res.LoadFlights(ctx); err != nil {
		return err
	}

	tr, err := res.Range(ctx)
	if err != nil {
		return err
	}
	if tr == nil {
		fmt.Fprintf(os.Stderr, "No telemetry found\n")
		return nil
	}

	tracks, err := sampleTracks(ctx, res, tr.Min, tr.Max, *step)
	if err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d tracks to KML\n", len(tracks))
	}

	xmlData, err := xml.MarshalIndent(generateKML(res.Flights(), tracks, tr.Min, tr.Max), "", "  ")
	if err != nil {
		return fmt.Errorf("generate KML: %w", err)
	}
	xmlOutput := xml.Header + string(xmlData)

	if *output == "" {
		fmt.Println(xmlOutput)
		return nil
	}
	if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
	}
	return nil
}

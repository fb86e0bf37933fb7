// Package directory reads stations, bikes and bike telemetry from the backend.
package directory

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/semanticallynull/bikeshare/bike"
	"github.com/semanticallynull/bikeshare/station"
)

type Getter interface {
	Get(ctx context.Context, path string, out any) error
}

type Directory struct {
	be     Getter
	logger *slog.Logger
}

type Option func(*Directory)

func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

func New(be Getter, opts ...Option) *Directory {
	d := &Directory{
		be:     be,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Stations lists every station. A station reporting more available bikes than docks is
// clamped to its capacity.
func (d *Directory) Stations(ctx context.Context) ([]station.Station, error) {
	var stations []station.Station
	if err := d.be.Get(ctx, "/stations/getAll", &stations); err != nil {
		return nil, err
	}
	for i := range stations {
		if err := stations[i].Validate(); err != nil {
			d.logger.WarnContext(ctx, "clamping station availability", "station", stations[i].ID, "error", err)
			stations[i].AvailableBikes = stations[i].Capacity
		}
	}
	return stations, nil
}

func (d *Directory) Bikes(ctx context.Context) ([]bike.Bike, error) {
	var bikes []bike.Bike
	err := d.be.Get(ctx, "/bikes", &bikes)
	return bikes, err
}

func (d *Directory) BikesAt(ctx context.Context, stationID string) ([]bike.Bike, error) {
	var bikes []bike.Bike
	err := d.be.Get(ctx, "/bikes/"+url.PathEscape(stationID), &bikes)
	return bikes, err
}

// Available filters the bikes at a station down to those that can be reserved.
func (d *Directory) Available(ctx context.Context, stationID string) ([]bike.Bike, error) {
	bikes, err := d.BikesAt(ctx, stationID)
	if err != nil {
		return nil, err
	}
	available := bikes[:0]
	for _, b := range bikes {
		if b.Status == bike.Available {
			available = append(available, b)
		}
	}
	return available, nil
}

// Telemetry returns the latest sample reported by the bike's lock.
func (d *Directory) Telemetry(ctx context.Context, bikeID string) (bike.Telemetry, error) {
	var t bike.Telemetry
	if err := d.be.Get(ctx, "/bikes/"+url.PathEscape(bikeID)+"/telemetria", &t); err != nil {
		return bike.Telemetry{}, err
	}
	t.BikeID = bikeID
	return t, nil
}

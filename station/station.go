package station

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type Type int

const (
	BikeStation Type = iota
	TransitStation
)

var typeNames = [...]string{"bicicletas", "transporte"}

func (t Type) String() string {
	if int(t) < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("unknown station type %q", s)
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *Type) Scan(i any) error {
	switch v := i.(type) {
	case string:
		return t.scanString(v)
	case []byte:
		return t.scanString(string(v))
	}
	return fmt.Errorf("cannot scan %T into station.Type", i)
}

func (t *Type) scanString(s string) error {
	v, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Position is a WGS84 coordinate.
type Position struct {
	Lat float64 `json:"latitud"`
	Lon float64 `json:"longitud"`
}

// Station is a dock for bikes, or a transit stop shown alongside them.
type Station struct {
	ID             string   `json:"id"`
	Name           string   `json:"nombre"`
	Position       Position `json:"posicion"`
	Capacity       int      `json:"capacidad"`
	AvailableBikes int      `json:"bicicletasDisponibles"`
	Type           Type     `json:"tipo"`
	// RedistributionAt is when new bikes are expected at the station, if scheduled.
	RedistributionAt *time.Time `json:"fechaRedistribucion,omitempty"`
}

var ErrOverCapacity = errors.New("available bikes exceed station capacity")

func (s Station) Validate() error {
	if s.AvailableBikes > s.Capacity {
		return fmt.Errorf("%w: station %s has %d bikes for %d docks", ErrOverCapacity, s.ID, s.AvailableBikes, s.Capacity)
	}
	return nil
}

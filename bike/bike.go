// Package bike
package bike

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/semanticallynull/bikeshare/internal/tz"
	"github.com/semanticallynull/bikeshare/station"
)

type Type string

const (
	Mechanical Type = "mecanica"
	Electric   Type = "electrica"
)

type Status string

const (
	Available   Status = "disponible"
	Reserved    Status = "reservada"
	InUse       Status = "en_uso"
	Maintenance Status = "mantenimiento"
)

var transitions = map[Status][]Status{
	Available:   {Reserved, Maintenance},
	Reserved:    {InUse, Available},
	InUse:       {Available, Maintenance},
	Maintenance: {Available},
}

// CanTransition reports whether a bike may move from one status to another:
// available → reserved → in-use → available | maintenance, with reservations released back
// to available on cancel or expiry.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SerialLength is the number of characters printed on every bike's lock.
const SerialLength = 11

// Bike represents a bike which can be reserved and ridden.
type Bike struct {
	// ID is the physical label on the bike, e.g. "BIC-001".
	ID     string `json:"id" db:"id"`
	Type   Type   `json:"tipo" db:"type"`
	Status Status `json:"estado" db:"status"`
	// StationID is set while the bike is docked.
	StationID *string `json:"estacionId,omitempty" db:"station_id"`
}

type LockState string

const (
	Locked   LockState = "Bloqueado"
	Unlocked LockState = "Desbloqueado"
)

// Telemetry is one sample reported by a bike's lock.
type Telemetry struct {
	BikeID string `json:"bikeId,omitempty"`
	station.Position
	// Battery is a percentage; only electric bikes report it.
	Battery   *int      `json:"bateria"`
	Lock      LockState `json:"estadoCandado"`
	Timestamp time.Time `json:"fechaConsulta"`
}

func (t Telemetry) Locked() bool {
	return t.Lock == Locked
}

// Valid reports whether s is a state the lock can report.
func (s LockState) Valid() bool {
	return s == Locked || s == Unlocked
}

// UnmarshalJSON accepts fechaConsulta with or without a zone.
func (t *Telemetry) UnmarshalJSON(b []byte) error {
	type alias Telemetry
	var aux struct {
		alias
		Timestamp string `json:"fechaConsulta"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Telemetry(aux.alias)
	if aux.Timestamp == "" {
		t.Timestamp = time.Time{}
		return nil
	}
	ts, err := tz.Parse(aux.Timestamp)
	if err != nil {
		return err
	}
	t.Timestamp = ts
	return nil
}

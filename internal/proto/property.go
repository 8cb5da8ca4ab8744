package proto

import (
	"fmt"
	"math"
)

const earthRadius = 6_378_137.0

// Location is a latitude/longitude pair in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance to other in metres.
func (l Location) Distance(other Location) float64 {
	lat1 := l.Latitude * math.Pi / 180
	lon1 := l.Longitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	lon2 := other.Longitude * math.Pi / 180

	c := math.Sin(lat1)*math.Sin(lat2) + math.Cos(lat1)*math.Cos(lat2)*math.Cos(lon2-lon1)
	// Rounding can push c slightly outside [-1, 1] for identical points.
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * earthRadius
}

// SignalQuality is a coarse wireless link quality.
type SignalQuality int

const (
	SignalNone SignalQuality = iota
	SignalWeak
	SignalOk
	SignalGood
	SignalExcellent
)

var signalNames = [...]string{"none", "weak", "ok", "good", "excellent"}

func (q SignalQuality) String() string {
	if q < SignalNone || q > SignalExcellent {
		return fmt.Sprintf("SignalQuality(%d)", int(q))
	}
	return signalNames[q]
}

func (q SignalQuality) MarshalText() ([]byte, error) {
	if q < SignalNone || q > SignalExcellent {
		return nil, fmt.Errorf("invalid signal quality %d", int(q))
	}
	return []byte(signalNames[q]), nil
}

func (q *SignalQuality) UnmarshalText(b []byte) error {
	for i, name := range signalNames {
		if string(b) == name {
			*q = SignalQuality(i)
			return nil
		}
	}
	return fmt.Errorf("unknown signal quality %q", b)
}

// Property is one changed peer attribute. Exactly one field is set; on the
// wire it is a single-key object such as {"name":"Alice"}.
type Property struct {
	Name          *string        `json:"name,omitempty"`
	Location      *Location      `json:"location,omitempty"`
	Speed         *float64       `json:"speed,omitempty"`
	SignalQuality *SignalQuality `json:"signal_quality,omitempty"`
	Icon          *string        `json:"icon,omitempty"`
}

func NameProperty(name string) Property { return Property{Name: &name} }

func LocationProperty(loc Location) Property { return Property{Location: &loc} }

func SpeedProperty(mps float64) Property { return Property{Speed: &mps} }

func SignalQualityProperty(q SignalQuality) Property { return Property{SignalQuality: &q} }

func IconProperty(icon string) Property { return Property{Icon: &icon} }

// Kind names the field p carries, matching its wire key.
func (p Property) Kind() string {
	switch {
	case p.Name != nil:
		return "name"
	case p.Location != nil:
		return "location"
	case p.Speed != nil:
		return "speed"
	case p.SignalQuality != nil:
		return "signal_quality"
	case p.Icon != nil:
		return "icon"
	}
	return ""
}

func (p Property) set() int {
	n := 0
	if p.Name != nil {
		n++
	}
	if p.Location != nil {
		n++
	}
	if p.Speed != nil {
		n++
	}
	if p.SignalQuality != nil {
		n++
	}
	if p.Icon != nil {
		n++
	}
	return n
}

func (p Property) validate() error {
	if n := p.set(); n != 1 {
		return fmt.Errorf("property must carry exactly one field, got %d", n)
	}
	if p.Speed != nil && (math.IsNaN(*p.Speed) || math.IsInf(*p.Speed, 0)) {
		return fmt.Errorf("speed must be finite")
	}
	return nil
}

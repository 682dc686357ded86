package vitals

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Beacon is the JSON shape of a metric as posted by the web-vitals library in the browser.
type Beacon struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Value          float64 `json:"value"`
	Delta          float64 `json:"delta,omitempty"`
	Rating         string  `json:"rating,omitempty"`
	NavigationType string  `json:"navigationType,omitempty"`
}

// Metric converts the beacon into a validated Metric.
func (b Beacon) Metric() (Metric, error) {
	name, err := ParseMetricName(b.Name)
	if err != nil {
		return Metric{}, err
	}
	rating, err := ParseRating(b.Rating)
	if err != nil {
		return Metric{}, err
	}
	m := Metric{
		ID:             b.ID,
		Name:           name,
		Value:          b.Value,
		Rating:         rating,
		NavigationType: b.NavigationType,
	}
	if err := m.Validate(); err != nil {
		return Metric{}, err
	}
	return m, nil
}

// DecodeBeacons decodes a single beacon object or an array of them.
func DecodeBeacons(data []byte) ([]Beacon, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty beacon body")
	}

	if trimmed[0] == '[' {
		var beacons []Beacon
		if err := sonic.Unmarshal(trimmed, &beacons); err != nil {
			return nil, fmt.Errorf("decode beacons: %w", err)
		}
		return beacons, nil
	}

	var beacon Beacon
	if err := sonic.Unmarshal(trimmed, &beacon); err != nil {
		return nil, fmt.Errorf("decode beacon: %w", err)
	}
	return []Beacon{beacon}, nil
}

// BeaconFromMetric is the inverse of Beacon.Metric, using the web-vitals abbreviation as name.
func BeaconFromMetric(m Metric) Beacon {
	return Beacon{
		ID:             m.ID,
		Name:           m.Name.Short(),
		Value:          m.Value,
		Rating:         string(m.Rating),
		NavigationType: m.NavigationType,
	}
}

package vitals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBeacons(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		beacons, err := DecodeBeacons([]byte(`{"name":"LCP","value":1243.7,"id":"v3-1","rating":"good","navigationType":"navigate"}`))
		require.NoError(t, err)
		require.Len(t, beacons, 1)

		m, err := beacons[0].Metric()
		require.NoError(t, err)
		assert.Equal(t, Metric{
			ID:             "v3-1",
			Name:           LargestContentfulPaint,
			Value:          1243.7,
			Rating:         RatingGood,
			NavigationType: "navigate",
		}, m)
	})

	t.Run("array", func(t *testing.T) {
		beacons, err := DecodeBeacons([]byte(` [{"name":"CLS","value":0.0834,"id":"a"},{"name":"TTFB","value":80,"id":"b"}]`))
		require.NoError(t, err)
		require.Len(t, beacons, 2)
		assert.Equal(t, "CLS", beacons[0].Name)
		assert.Equal(t, "b", beacons[1].ID)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, body := range []string{"", "   ", "{", "[{]", "nope"} {
			_, err := DecodeBeacons([]byte(body))
			assert.Error(t, err, body)
		}
	})
}

func TestBeacon_MetricErrors(t *testing.T) {
	_, err := Beacon{ID: "a", Name: "FID", Value: 1}.Metric()
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = Beacon{ID: "a", Name: "LCP", Value: 1, Rating: "great"}.Metric()
	assert.ErrorIs(t, err, ErrInvalidMetric)

	_, err = Beacon{ID: "", Name: "LCP", Value: 1}.Metric()
	assert.ErrorIs(t, err, ErrInvalidMetric)

	_, err = Beacon{ID: "a", Name: "LCP", Value: 1e19}.Metric()
	assert.ErrorIs(t, err, ErrInvalidMetric)

	_, err = Beacon{ID: "a", Name: "CLS", Value: 1e17}.Metric()
	assert.ErrorIs(t, err, ErrInvalidMetric)
}

func TestBeaconFromMetric(t *testing.T) {
	m := Metric{ID: "v3-9", Name: InteractionToNextPaint, Value: 200, Rating: RatingPoor}
	back, err := BeaconFromMetric(m).Metric()
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

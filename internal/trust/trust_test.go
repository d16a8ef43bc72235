package trust

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatPayload(touch bool) Payload {
	return Payload{
		Accel:       [3]float64{0.01, 0.01, 0.01},
		Gyro:        [3]float64{0.01, 0.01, 0.01},
		TouchEvent:  touch,
		MotionDelta: 0.01,
	}
}

func TestScore_FlatMotionHistoryVsZeroedCurrent(t *testing.T) {
	history := make([]Payload, 50)
	for i := range history {
		history[i] = flatPayload(true)
	}
	current := Payload{Accel: [3]float64{0, 0, 0}, Gyro: [3]float64{0, 0, 0}, TouchEvent: false, MotionDelta: 0}

	res := Score(history, current)

	assert.Less(t, res.Score, 50)
	assert.Greater(t, res.Diagnostics.TouchEntropy, 0.0)
}

func TestScore_StableRealMotion(t *testing.T) {
	history := make([]Payload, 20)
	for i := range history {
		history[i] = Payload{Accel: [3]float64{0.05, 0.04, 0.06}, Gyro: [3]float64{0.05, 0.04, 0.06}, TouchEvent: false, MotionDelta: 0.6}
	}
	current := Payload{Accel: [3]float64{0.05, 0.04, 0.06}, Gyro: [3]float64{0.05, 0.04, 0.06}, TouchEvent: false, MotionDelta: 0.6}

	res := Score(history, current)

	assert.GreaterOrEqual(t, res.Score, 60)
	assert.Equal(t, 0.0, res.Diagnostics.TouchEntropy)
}

func TestScore_CompositeAlwaysInBounds(t *testing.T) {
	histories := [][]Payload{
		nil,
		{flatPayload(false)},
		{{Accel: [3]float64{9, 9, 9}, Gyro: [3]float64{-9, -9, -9}, MotionDelta: 5}},
	}
	currents := []Payload{
		{Accel: [3]float64{0, 0, 0}},
		{Accel: [3]float64{100, 100, 100}, MotionDelta: 100},
		{Accel: [3]float64{-5, -5, -5}, Gyro: [3]float64{5, 5, 5}, TouchEvent: true, MotionDelta: -5},
	}

	for _, h := range histories {
		for _, c := range currents {
			res := Score(h, c)
			require.GreaterOrEqual(t, res.Score, 0)
			require.LessOrEqual(t, res.Score, 100)
			assert.False(t, math.IsNaN(float64(res.Score)))
		}
	}
}

func TestEntropyBools_MaxAtEvenSplit(t *testing.T) {
	series := []bool{true, false, true, false}
	assert.InDelta(t, 1.0, entropyBools(series), 1e-9)
}

func TestEntropyBools_ZeroWhenConstant(t *testing.T) {
	assert.Equal(t, 0.0, entropyBools([]bool{true, true, true}))
}

func TestPearson_ZeroWhenFewerThanTwoSamples(t *testing.T) {
	assert.Equal(t, 0.0, pearson([]float64{1}, []float64{2}))
	assert.Equal(t, 0.0, pearson(nil, nil))
}

func TestZScore_FallsBackWhenStdZero(t *testing.T) {
	assert.Equal(t, 3.0, zScore(5, 2, 0))
}

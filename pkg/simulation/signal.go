package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
)

// Wave maps a phase in [0, 1) to a level in [0, 1].
type Wave func(phase float64) float64

// Waves of the periodic signals.
var waves = map[Signal]Wave{
	SignalRamp: func(p float64) float64 { return p },
	SignalSine: func(p float64) float64 { return (1 + math.Sin(2*math.Pi*p)) / 2 },
	SignalSquare: func(p float64) float64 {
		if p < 0.5 {
			return 1
		}
		return 0
	},
	SignalTriangle: func(p float64) float64 {
		if p < 0.5 {
			return 2 * p
		}
		return 2 - 2*p
	},
}

var randomWords = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
}

// generator produces values for one item.
type generator struct {
	item     ItemConfig
	variable *model.Variable
	wave     Wave
	rnd      *rand.Rand
	start    time.Time
	rate     time.Duration
	next     time.Time
}

func newGenerator(item ItemConfig, v *model.Variable, start time.Time, seed uint64) *generator {
	return &generator{
		item:     item,
		variable: v,
		wave:     waves[item.signal()],
		rnd:      rand.New(rand.NewPCG(seed, uint64(start.UnixNano()))),
		start:    start,
		rate:     item.rate(),
		next:     start,
	}
}

// due reports whether the generator should produce a sample at now.
func (g *generator) due(now time.Time) bool {
	return !now.Before(g.next)
}

// sample returns the value at now and schedules the next sample.
func (g *generator) sample(now time.Time) any {
	g.next = g.next.Add(g.rate)
	if g.next.Before(now) {
		// Skip missed samples after a stall.
		g.next = now.Add(g.rate)
	}

	lo, hi := g.item.bounds()
	if g.wave == nil {
		return g.random(lo, hi, now)
	}
	period := g.item.period()
	phase := float64(now.Sub(g.start)%period) / float64(period)
	return shape(g.item.Type, lo+g.wave(phase)*(hi-lo), lo, hi)
}

func (g *generator) random(lo, hi float64, now time.Time) any {
	switch g.item.Type {
	case model.DataTypeBool:
		return g.rnd.IntN(2) == 1
	case model.DataTypeString:
		return fmt.Sprintf("%s %d", randomWords[g.rnd.IntN(len(randomWords))], g.rnd.IntN(1000))
	case model.DataTypeDateTime:
		return now.Add(-time.Duration(g.rnd.Int64N(int64(24 * time.Hour)))).UTC()
	}
	return shape(g.item.Type, lo+g.rnd.Float64()*(hi-lo), lo, hi)
}

// shape converts a level into a value of the item type. Integers are
// rounded and clamped; booleans are true in the upper half of the range.
func shape(dt model.DataType, x, lo, hi float64) any {
	switch dt {
	case model.DataTypeBool:
		return x >= lo+(hi-lo)/2
	case model.DataTypeFloat32:
		return float32(x)
	case model.DataTypeFloat64:
		return x
	case model.DataTypeString:
		return fmt.Sprintf("%g", x)
	}
	tlo, thi := typeRange(dt)
	x = math.Round(x)
	x = math.Max(x, math.Max(lo, tlo))
	x = math.Min(x, math.Min(hi, thi))
	if x < 0 {
		return int64(x)
	}
	return uint64(x)
}

// typeRange returns the default value range of a type.
func typeRange(dt model.DataType) (float64, float64) {
	switch dt {
	case model.DataTypeInt8:
		return math.MinInt8, math.MaxInt8
	case model.DataTypeInt16:
		return math.MinInt16, math.MaxInt16
	case model.DataTypeInt32:
		return math.MinInt32, math.MaxInt32
	case model.DataTypeInt64:
		return -1 << 53, 1 << 53
	case model.DataTypeUint8:
		return 0, math.MaxUint8
	case model.DataTypeUint16:
		return 0, math.MaxUint16
	case model.DataTypeUint32:
		return 0, math.MaxUint32
	case model.DataTypeUint64:
		return 0, 1 << 53
	case model.DataTypeBool:
		return 0, 1
	default:
		return -100, 100
	}
}

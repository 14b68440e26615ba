package simulation

import (
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/server"
)

// DefaultProgID is the progID of the default simulation server.
const DefaultProgID = "Matrikon.OPC.Simulation.1"

// typed item suffixes as named by classic simulation servers
var numericSuffixes = []struct {
	name string
	dt   model.DataType
}{
	{"Int1", model.DataTypeInt8},
	{"Int2", model.DataTypeInt16},
	{"Int4", model.DataTypeInt32},
	{"UInt1", model.DataTypeUint8},
	{"UInt2", model.DataTypeUint16},
	{"UInt4", model.DataTypeUint32},
	{"Real4", model.DataTypeFloat32},
	{"Real8", model.DataTypeFloat64},
}

// DefaultConfig returns the built-in simulation namespace: random values,
// periodic waves, read/write buckets and write-only items.
func DefaultConfig() *Config {
	var items []ItemConfig

	add := func(branch string, sig Signal, access model.AccessRights, rate time.Duration) {
		for _, s := range numericSuffixes {
			lo, hi := waveRange(s.dt)
			items = append(items, ItemConfig{
				ID:     branch + "." + s.name,
				Type:   s.dt,
				Access: access,
				Signal: sig,
				Min:    lo,
				Max:    hi,
				Period: 20 * time.Second,
				Rate:   rate,
			})
		}
	}

	add("Random", SignalRandom, model.AccessReadable, time.Second)
	items = append(items,
		ItemConfig{ID: "Random.Boolean", Type: model.DataTypeBool, Signal: SignalRandom},
		ItemConfig{ID: "Random.String", Type: model.DataTypeString, Signal: SignalRandom},
		ItemConfig{ID: "Random.Time", Type: model.DataTypeDateTime, Signal: SignalRandom},
	)

	add("Saw-toothed Waves", SignalRamp, model.AccessReadable, 200*time.Millisecond)
	add("Square Waves", SignalSquare, model.AccessReadable, 200*time.Millisecond)
	add("Triangle Waves", SignalTriangle, model.AccessReadable, 200*time.Millisecond)
	add("Sine Waves", SignalSine, model.AccessReadable, 200*time.Millisecond)

	add("Bucket Brigade", SignalStatic, model.AccessReadWrite, 0)
	items = append(items,
		ItemConfig{ID: "Bucket Brigade.Boolean", Type: model.DataTypeBool, Access: model.AccessReadWrite},
		ItemConfig{ID: "Bucket Brigade.String", Type: model.DataTypeString, Access: model.AccessReadWrite},
		ItemConfig{ID: "Bucket Brigade.Time", Type: model.DataTypeDateTime, Access: model.AccessReadWrite},
	)

	add("Write Only", SignalStatic, model.AccessWriteable, 0)
	items = append(items,
		ItemConfig{ID: "Write Only.Boolean", Type: model.DataTypeBool, Access: model.AccessWriteable},
		ItemConfig{ID: "Write Only.String", Type: model.DataTypeString, Access: model.AccessWriteable},
	)

	// Static items with engineering units for the property pages.
	items = append(items,
		ItemConfig{ID: "Simulation Items.Temperature", Type: model.DataTypeFloat64, Access: model.AccessReadWrite,
			Initial: 21.5, Min: -40, Max: 120, EUUnits: "degC", Description: "Room temperature setpoint"},
		ItemConfig{ID: "Simulation Items.Pressure", Type: model.DataTypeFloat32, Signal: SignalSine,
			Min: 0.9, Max: 1.1, Period: time.Minute, Rate: time.Second, EUUnits: "bar", Description: "Line pressure"},
	)

	return &Config{Servers: []ServerConfig{{
		Info: server.Info{
			ProgID:       DefaultProgID,
			VendorInfo:   "opcda-go simulation server",
			MajorVersion: 1,
			MinorVersion: 1,
		},
		Items: items,
	}}}
}

// waveRange keeps the default waves within a readable span.
func waveRange(dt model.DataType) (float64, float64) {
	switch dt {
	case model.DataTypeInt8:
		return -128, 127
	case model.DataTypeUint8:
		return 0, 255
	case model.DataTypeInt16, model.DataTypeInt32:
		return -32768, 32767
	case model.DataTypeUint16, model.DataTypeUint32:
		return 0, 65535
	default:
		return -100, 100
	}
}

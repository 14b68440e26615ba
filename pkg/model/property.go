package model

import (
	"fmt"
	"sort"
)

// PropertyID identifies an item property.
type PropertyID uint32

// Standard property IDs (1-99).
const (
	PropCanonicalDataType PropertyID = 1
	PropValue             PropertyID = 2
	PropQuality           PropertyID = 3
	PropTimestamp         PropertyID = 4
	PropAccessRights      PropertyID = 5
	PropScanRate          PropertyID = 6
	PropEUType            PropertyID = 7
	PropEUInfo            PropertyID = 8
)

// Recommended property IDs (100-4999).
const (
	PropEUUnits             PropertyID = 100
	PropDescription         PropertyID = 101
	PropHighEU              PropertyID = 102
	PropLowEU               PropertyID = 103
	PropHighInstrumentRange PropertyID = 104
	PropLowInstrumentRange  PropertyID = 105
)

// PropertyDescriptor describes a property.
type PropertyDescriptor struct {
	ID          PropertyID
	Description string
	Type        DataType
}

var propertyDescriptors = map[PropertyID]PropertyDescriptor{
	PropCanonicalDataType:   {PropCanonicalDataType, "Item Canonical DataType", DataTypeInt16},
	PropValue:               {PropValue, "Item Value", DataTypeEmpty},
	PropQuality:             {PropQuality, "Item Quality", DataTypeInt16},
	PropTimestamp:           {PropTimestamp, "Item Timestamp", DataTypeDateTime},
	PropAccessRights:        {PropAccessRights, "Item Access Rights", DataTypeInt32},
	PropScanRate:            {PropScanRate, "Server Scan Rate", DataTypeFloat32},
	PropEUType:              {PropEUType, "Item EU Type", DataTypeInt32},
	PropEUInfo:              {PropEUInfo, "Item EUInfo", DataTypeString},
	PropEUUnits:             {PropEUUnits, "EU Units", DataTypeString},
	PropDescription:         {PropDescription, "Item Description", DataTypeString},
	PropHighEU:              {PropHighEU, "High EU", DataTypeFloat64},
	PropLowEU:               {PropLowEU, "Low EU", DataTypeFloat64},
	PropHighInstrumentRange: {PropHighInstrumentRange, "High Instrument Range", DataTypeFloat64},
	PropLowInstrumentRange:  {PropLowInstrumentRange, "Low Instrument Range", DataTypeFloat64},
}

// LookupProperty returns the descriptor of a well-known property.
func LookupProperty(id PropertyID) (PropertyDescriptor, bool) {
	d, ok := propertyDescriptors[id]
	return d, ok
}

// String returns the property description, or "Property <id>" when unknown.
func (id PropertyID) String() string {
	if d, ok := propertyDescriptors[id]; ok {
		return d.Description
	}
	return fmt.Sprintf("Property %d", uint32(id))
}

// properties returns the property values of v in ascending ID order.
func (v *Variable) properties() []propertyValue {
	st := v.State()
	out := []propertyValue{
		{PropCanonicalDataType, int16(v.meta.Type)},
		{PropValue, st.Value},
		{PropQuality, int16(st.Quality)},
		{PropTimestamp, st.Timestamp},
		{PropAccessRights, int32(v.meta.Access)},
		{PropScanRate, float32(v.meta.ScanRate.Milliseconds())},
	}
	if v.meta.HighEU != nil || v.meta.LowEU != nil {
		out = append(out, propertyValue{PropEUType, int32(1)})
	} else {
		out = append(out, propertyValue{PropEUType, int32(0)})
	}
	if v.meta.EUUnits != "" {
		out = append(out, propertyValue{PropEUUnits, v.meta.EUUnits})
	}
	if v.meta.Description != "" {
		out = append(out, propertyValue{PropDescription, v.meta.Description})
	}
	if v.meta.HighEU != nil {
		out = append(out, propertyValue{PropHighEU, *v.meta.HighEU})
	}
	if v.meta.LowEU != nil {
		out = append(out, propertyValue{PropLowEU, *v.meta.LowEU})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

type propertyValue struct {
	id    PropertyID
	value any
}

// Properties returns the item's properties in ascending ID order.
// Values are filled only when withValues is set.
func (v *Variable) Properties(withValues bool) []ItemProperty {
	pv := v.properties()
	out := make([]ItemProperty, 0, len(pv))
	for _, p := range pv {
		d := propertyDescriptors[p.id]
		ip := ItemProperty{
			ID:          p.id,
			Description: d.Description,
			DataType:    d.Type,
		}
		if p.id == PropValue {
			ip.DataType = v.meta.Type
		}
		if withValues {
			ip.Value = p.value
		}
		out = append(out, ip)
	}
	return out
}

// Property returns a single property with its value.
func (v *Variable) Property(id PropertyID) (ItemProperty, bool) {
	for _, p := range v.Properties(true) {
		if p.ID == id {
			return p, true
		}
	}
	return ItemProperty{}, false
}

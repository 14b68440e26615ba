package status

// Quality is an OPC quality word (QQSSSSLL).
type Quality uint16

// Quality masks.
const (
	QualityMask Quality = 0xC0
	StatusMask  Quality = 0xFC
	LimitMask   Quality = 0x03
)

// Quality values.
const (
	QualityBad       Quality = 0x00
	QualityUncertain Quality = 0x40
	QualityGood      Quality = 0xC0

	// Bad substatus.
	QualityConfigError           Quality = 0x04
	QualityNotConnected          Quality = 0x08
	QualityDeviceFailure         Quality = 0x0C
	QualitySensorFailure         Quality = 0x10
	QualityLastKnown             Quality = 0x14
	QualityCommFailure           Quality = 0x18
	QualityOutOfService          Quality = 0x1C
	QualityWaitingForInitialData Quality = 0x20

	// Uncertain substatus.
	QualityLastUsable  Quality = 0x44
	QualitySensorCal   Quality = 0x50
	QualityEGUExceeded Quality = 0x54
	QualitySubNormal   Quality = 0x58

	// Good substatus.
	QualityLocalOverride Quality = 0xD8
)

// Limit bits.
const (
	LimitOK    Quality = 0x00
	LimitLow   Quality = 0x01
	LimitHigh  Quality = 0x02
	LimitConst Quality = 0x03
)

// Severity returns the severity encoded in the quality bits.
func (q Quality) Severity() Severity {
	switch q & QualityMask {
	case QualityGood:
		return SeverityGood
	case QualityUncertain:
		return SeverityUncertain
	default:
		return SeverityBad
	}
}

// IsGood reports whether the quality bits are Good.
func (q Quality) IsGood() bool { return q&QualityMask == QualityGood }

// IsUncertain reports whether the quality bits are Uncertain.
func (q Quality) IsUncertain() bool { return q&QualityMask == QualityUncertain }

// IsBad reports whether the quality bits are Bad.
func (q Quality) IsBad() bool { return q&QualityMask == QualityBad }

// WithLimit returns q with the limit bits replaced.
func (q Quality) WithLimit(limit Quality) Quality {
	return (q &^ LimitMask) | (limit & LimitMask)
}

// String returns the quality as text, e.g. "Good: Non-specific, Limit: Not Limited".
func (q Quality) String() string {
	var s string
	switch q & QualityMask {
	case QualityBad:
		s = "Bad: "
	case QualityGood:
		s = "Good: "
	case QualityUncertain:
		s = "Uncertain: "
	default:
		s = "N/A: "
	}

	switch q & StatusMask {
	case QualityConfigError:
		s += "Configuration Error"
	case QualityNotConnected:
		s += "Not Connected"
	case QualityDeviceFailure:
		s += "Device Failure"
	case QualitySensorFailure:
		s += "Sensor Failure"
	case QualityLastKnown:
		s += "Last Known Value"
	case QualityCommFailure:
		s += "Communication Failure"
	case QualityOutOfService:
		s += "Out of Service"
	case QualityWaitingForInitialData:
		s += "Waiting for Initial Data"
	case QualityLastUsable:
		s += "Last Usable Value"
	case QualitySensorCal:
		s += "Sensor Not Accurate"
	case QualityEGUExceeded:
		s += "Engineering Units Exceeded"
	case QualitySubNormal:
		s += "Sub-Normal"
	case QualityLocalOverride:
		s += "Local Override"
	case QualityBad, QualityUncertain, QualityGood:
		s += "Non-specific"
	default:
		s += "N/A"
	}

	s += ", Limit: "
	switch q & LimitMask {
	case LimitOK:
		s += "Not Limited"
	case LimitLow:
		s += "Low Limited"
	case LimitHigh:
		s += "High Limited"
	case LimitConst:
		s += "Constant"
	}
	return s
}

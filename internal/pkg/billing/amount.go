package billing

// ToMinorUnits converts rupees to paise.
func ToMinorUnits(major int64) int64 {
	return major * 100
}

// FromMinorUnits converts paise to rupees.
func FromMinorUnits(minor int64) float64 {
	return float64(minor) / 100
}

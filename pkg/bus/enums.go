package bus

// Format is the bus sub-mode of an exchange: how many data lines carry the
// instruction, the address and the data phases.
type Format uint8

const (
	// FormatSPI is single-line for every phase (1-1-1).
	FormatSPI Format = iota
	// FormatDual is single-line instruction and address, dual data (1-1-2).
	FormatDual
	// FormatQuad is single-line instruction and address, quad data (1-1-4).
	FormatQuad
	// FormatQuadIO is single-line instruction, quad address and data (1-4-4).
	FormatQuadIO
	// FormatQPI is quad for every phase (4-4-4).
	FormatQPI
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatSPI:
		return "SPI"
	case FormatDual:
		return "Dual"
	case FormatQuad:
		return "Quad"
	case FormatQuadIO:
		return "QuadIO"
	case FormatQPI:
		return "QPI"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the format is a known value.
func (f Format) IsValid() bool {
	return f <= FormatQPI
}

// ParseFormat returns the format with the given name.
func ParseFormat(s string) (Format, bool) {
	for f := FormatSPI; f <= FormatQPI; f++ {
		if f.String() == s {
			return f, true
		}
	}
	return 0, false
}

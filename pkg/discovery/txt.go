package discovery

import (
	"strconv"
	"strings"

	"github.com/backkem/qlib/pkg/bus"
)

// TXT record keys of a bridge advertisement.
const (
	// TXTKeyFormat is the widest bus format the bridge supports.
	TXTKeyFormat = "F"

	// TXTKeyJEDEC is the JEDEC ID of the attached flash, as 6 hex digits.
	TXTKeyJEDEC = "J"

	// TXTKeyModel is a free-form bridge model name.
	TXTKeyModel = "M"

	// TXTKeyVersion is the frame protocol version.
	TXTKeyVersion = "V"
)

// FrameVersion is the bridge frame protocol version advertised by this package.
const FrameVersion = 1

// BridgeTXT is the decoded TXT record of a bridge.
type BridgeTXT struct {
	Format  bus.Format
	JEDEC   string
	Model   string
	Version int
}

// Encode returns the TXT record strings. Empty fields are omitted.
func (t BridgeTXT) Encode() []string {
	records := []string{
		TXTKeyFormat + "=" + t.Format.String(),
		TXTKeyVersion + "=" + strconv.Itoa(t.Version),
	}
	if t.JEDEC != "" {
		records = append(records, TXTKeyJEDEC+"="+t.JEDEC)
	}
	if t.Model != "" {
		records = append(records, TXTKeyModel+"="+t.Model)
	}
	return records
}

// ParseTXT parses raw "key=value" TXT records into a map.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			result[record[:idx]] = record[idx+1:]
		}
	}
	return result
}

// ParseBridgeTXT decodes the bridge fields. Unknown or malformed values fall
// back to zero values.
func ParseBridgeTXT(records []string) BridgeTXT {
	m := ParseTXT(records)
	txt := BridgeTXT{
		JEDEC: m[TXTKeyJEDEC],
		Model: m[TXTKeyModel],
	}
	if f, ok := bus.ParseFormat(m[TXTKeyFormat]); ok {
		txt.Format = f
	}
	if v, err := strconv.Atoi(m[TXTKeyVersion]); err == nil {
		txt.Version = v
	}
	return txt
}

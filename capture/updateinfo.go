package capture

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UpdateInfoLen is the size of one UpdateInfo record on the TCP stream.
const UpdateInfoLen = 20

// UpdateInfo is the lower-rate summary record: byte counters and the current
// occupancy, stamped with the router's wall clock.
type UpdateInfo struct {
	Seconds        int32
	Micros         int32
	ArrivedBytes   int32
	DepartedBytes  int32
	OccupancyBytes int32
}

// RouterTicks converts the record time to 8ns router ticks.
func (u UpdateInfo) RouterTicks() uint64 {
	us := int64(u.Seconds)*1_000_000 + int64(u.Micros)
	return uint64(us * 1000 / 8)
}

// ParseUpdateInfo decodes one 20-byte record.
func ParseUpdateInfo(b []byte) (UpdateInfo, error) {
	if len(b) < UpdateInfoLen {
		return UpdateInfo{}, fmt.Errorf("%w: update record of %d bytes", ErrMalformedPacket, len(b))
	}
	return UpdateInfo{
		Seconds:        int32(binary.BigEndian.Uint32(b[0:4])),
		Micros:         int32(binary.BigEndian.Uint32(b[4:8])),
		ArrivedBytes:   int32(binary.BigEndian.Uint32(b[8:12])),
		DepartedBytes:  int32(binary.BigEndian.Uint32(b[12:16])),
		OccupancyBytes: int32(binary.BigEndian.Uint32(b[16:20])),
	}, nil
}

// AppendUpdateInfo appends the wire form of u to b.
func AppendUpdateInfo(b []byte, u UpdateInfo) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(u.Seconds))
	b = binary.BigEndian.AppendUint32(b, uint32(u.Micros))
	b = binary.BigEndian.AppendUint32(b, uint32(u.ArrivedBytes))
	b = binary.BigEndian.AppendUint32(b, uint32(u.DepartedBytes))
	return binary.BigEndian.AppendUint32(b, uint32(u.OccupancyBytes))
}

// ReadUpdateInfo reads exactly one record from r.
func ReadUpdateInfo(r io.Reader) (UpdateInfo, error) {
	var buf [UpdateInfoLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return UpdateInfo{}, err
	}
	return ParseUpdateInfo(buf[:])
}

package convert

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// D50 adapted sRGB colorants and white point.
var (
	iccWhite = [3]float64{0.9642, 1.0, 0.8249}
	iccRed   = [3]float64{0.4361, 0.2225, 0.0139}
	iccGreen = [3]float64{0.3851, 0.7169, 0.0971}
	iccBlue  = [3]float64{0.1431, 0.0606, 0.7141}
)

var sRGBProfile = sync.OnceValue(buildSRGBProfile)

// buildSRGBProfile returns a version 2 matrix/TRC display profile for
// sRGB IEC61966-2.1, the version PDF/A-1 accepts for output intents.
func buildSRGBProfile() []byte {
	type tag struct {
		sig  string
		data []byte
	}

	trc := curveTag(1024)
	tags := []tag{
		{"desc", descTag(OutputCondition)},
		{"cprt", textTag("No copyright, use freely")},
		{"wtpt", xyzTag(iccWhite)},
		{"rXYZ", xyzTag(iccRed)},
		{"gXYZ", xyzTag(iccGreen)},
		{"bXYZ", xyzTag(iccBlue)},
		{"rTRC", trc},
		{"gTRC", trc},
		{"bTRC", trc},
	}

	var data bytes.Buffer
	offset := 128 + 4 + 12*len(tags)
	table := make([]byte, 0, 4+12*len(tags))
	table = binary.BigEndian.AppendUint32(table, uint32(len(tags)))

	// The three curves share one data block.
	var trcOffset int
	for _, t := range tags {
		start := offset + data.Len()
		if t.sig == "gTRC" || t.sig == "bTRC" {
			start = trcOffset
		} else {
			if t.sig == "rTRC" {
				trcOffset = start
			}
			data.Write(t.data)
			for data.Len()%4 != 0 {
				data.WriteByte(0)
			}
		}
		table = append(table, t.sig...)
		table = binary.BigEndian.AppendUint32(table, uint32(start))
		table = binary.BigEndian.AppendUint32(table, uint32(len(t.data)))
	}

	size := offset + data.Len()
	header := make([]byte, 128)
	binary.BigEndian.PutUint32(header[0:], uint32(size))
	binary.BigEndian.PutUint32(header[8:], 0x02100000)
	copy(header[12:], "mntr")
	copy(header[16:], "RGB ")
	copy(header[20:], "XYZ ")
	for i, v := range []uint16{2024, 1, 1, 0, 0, 0} {
		binary.BigEndian.PutUint16(header[24+2*i:], v)
	}
	copy(header[36:], "acsp")
	for i, v := range iccWhite {
		binary.BigEndian.PutUint32(header[68+4*i:], s15Fixed16(v))
	}

	profile := make([]byte, 0, size)
	profile = append(profile, header...)
	profile = append(profile, table...)
	return append(profile, data.Bytes()...)
}

func s15Fixed16(v float64) uint32 {
	return uint32(int32(math.Round(v * 65536)))
}

func xyzTag(v [3]float64) []byte {
	b := append([]byte("XYZ "), 0, 0, 0, 0)
	for _, c := range v {
		b = binary.BigEndian.AppendUint32(b, s15Fixed16(c))
	}
	return b
}

// curveTag samples the sRGB transfer function.
func curveTag(n int) []byte {
	b := append([]byte("curv"), 0, 0, 0, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(n))
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		y := x / 12.92
		if x > 0.04045 {
			y = math.Pow((x+0.055)/1.055, 2.4)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(math.Round(y*65535)))
	}
	return b
}

func textTag(s string) []byte {
	b := append([]byte("text"), 0, 0, 0, 0)
	b = append(b, s...)
	return append(b, 0)
}

// descTag is a version 2 textDescriptionType without Unicode or
// ScriptCode descriptions.
func descTag(s string) []byte {
	b := append([]byte("desc"), 0, 0, 0, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)+1))
	b = append(b, s...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0) // Unicode language
	b = binary.BigEndian.AppendUint32(b, 0) // Unicode count
	b = binary.BigEndian.AppendUint16(b, 0) // ScriptCode code
	b = append(b, 0)                        // ScriptCode count
	return append(b, make([]byte, 67)...)
}

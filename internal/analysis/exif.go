package analysis

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/aperture/internal/interfaces"
)

// EXIF tags read by the scanner
const (
	tagMake             = 0x010F
	tagModel            = 0x0110
	tagExifIFDPointer   = 0x8769
	tagDateTimeOriginal = 0x9003
	tagDateTime         = 0x0132
)

const exifTimeLayout = "2006:01:02 15:04:05"

// maxExifSegment bounds how much of a file is read looking for the APP1
// segment. EXIF data sits at the front of a JPEG, so 256KB is generous.
const maxExifSegment = 256 * 1024

// ExifReader extracts capture metadata from JPEG files. Formats without
// EXIF support return a nil metadata record rather than an error, letting
// the scanner fall back to filesystem timestamps.
type ExifReader struct{}

// NewExifReader creates the EXIF metadata provider
func NewExifReader() *ExifReader {
	return &ExifReader{}
}

// Extract reads capture time and camera identity from the file's EXIF
// block. A file with no EXIF data yields (nil, nil).
func (r *ExifReader) Extract(ctx context.Context, path string) (*interfaces.ImageMetadata, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, maxExifSegment)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	head = head[:n]

	tiff, ok := findExifPayload(head)
	if !ok {
		return nil, nil
	}
	return parseTIFF(tiff)
}

// findExifPayload locates the TIFF payload inside a JPEG APP1 segment
func findExifPayload(data []byte) ([]byte, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, false
	}

	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return nil, false
		}
		marker := data[offset+1]
		// Standalone markers carry no length
		if marker == 0xD8 || (marker >= 0xD0 && marker <= 0xD9) {
			offset += 2
			continue
		}
		segLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if segLen < 2 || offset+2+segLen > len(data) {
			return nil, false
		}
		if marker == 0xE1 {
			payload := data[offset+4 : offset+2+segLen]
			if len(payload) > 6 && string(payload[:6]) == "Exif\x00\x00" {
				return payload[6:], true
			}
		}
		// Scan data follows SOS; no EXIF beyond that point
		if marker == 0xDA {
			return nil, false
		}
		offset += 2 + segLen
	}
	return nil, false
}

// parseTIFF walks IFD0 and the Exif sub-IFD for the tags the catalog keeps
func parseTIFF(tiff []byte) (*interfaces.ImageMetadata, error) {
	if len(tiff) < 8 {
		return nil, nil
	}

	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("invalid TIFF byte order marker")
	}

	ifd0 := int(order.Uint32(tiff[4:8]))
	meta := &interfaces.ImageMetadata{}
	var exifIFD int
	var fallbackTime string

	walkIFD(tiff, ifd0, order, func(tag uint16, value string) {
		switch tag {
		case tagMake:
			meta.CameraMake = value
		case tagModel:
			meta.CameraModel = value
		case tagDateTime:
			fallbackTime = value
		}
	}, func(tag uint16, offset int) {
		if tag == tagExifIFDPointer {
			exifIFD = offset
		}
	})

	var captured string
	if exifIFD > 0 {
		walkIFD(tiff, exifIFD, order, func(tag uint16, value string) {
			if tag == tagDateTimeOriginal {
				captured = value
			}
		}, nil)
	}
	if captured == "" {
		captured = fallbackTime
	}

	if captured != "" {
		if t, err := time.Parse(exifTimeLayout, captured); err == nil {
			utc := t.UTC()
			meta.CapturedAt = &utc
		}
	}

	if meta.CapturedAt == nil && meta.CameraMake == "" && meta.CameraModel == "" {
		return nil, nil
	}
	return meta, nil
}

// walkIFD iterates one IFD's entries, reporting ASCII values and LONG
// offsets to the callbacks. Malformed entries are skipped.
func walkIFD(tiff []byte, offset int, order binary.ByteOrder, onString func(tag uint16, value string), onOffset func(tag uint16, offset int)) {
	if offset < 0 || offset+2 > len(tiff) {
		return
	}
	count := int(order.Uint16(tiff[offset : offset+2]))
	entry := offset + 2
	for i := 0; i < count; i++ {
		if entry+12 > len(tiff) {
			return
		}
		tag := order.Uint16(tiff[entry : entry+2])
		fieldType := order.Uint16(tiff[entry+2 : entry+4])
		valCount := int(order.Uint32(tiff[entry+4 : entry+8]))

		switch fieldType {
		case 2: // ASCII
			if onString != nil {
				if s, ok := readASCII(tiff, tiff[entry+8:entry+12], valCount, order); ok {
					onString(tag, s)
				}
			}
		case 4: // LONG
			if onOffset != nil && valCount == 1 {
				onOffset(tag, int(order.Uint32(tiff[entry+8:entry+12])))
			}
		}
		entry += 12
	}
}

// readASCII resolves an ASCII field, which is inlined for values up to 4
// bytes and stored at an offset otherwise
func readASCII(tiff, valueField []byte, count int, order binary.ByteOrder) (string, bool) {
	if count <= 0 {
		return "", false
	}
	var raw []byte
	if count <= 4 {
		raw = valueField[:count]
	} else {
		start := int(order.Uint32(valueField))
		if start < 0 || start+count > len(tiff) {
			return "", false
		}
		raw = tiff[start : start+count]
	}
	s := strings.TrimRight(string(raw), "\x00")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

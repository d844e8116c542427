// Package tiffio reads and writes the 2-D single-sample TIFF images the
// core's buffer model exchanges with the outside world (§6): uint8,
// uint16, and float32 samples, one plane per file, scanline-strip layout.
//
// Integer depths go through golang.org/x/image/tiff using the standard
// image.Gray/image.Gray16 types; the float32 case (TIFF's SampleFormat=3
// floating point grayscale, which image.Image does not model) uses a
// hand-rolled bit-exact encoder and decoder.
package tiffio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"github.com/sbl8/ufoflow/buffer"
)

// SampleType distinguishes the three bit depths the core accepts on
// ingress (§3 Buffer: "8/16-bit unsigned accepted on ingress and widened").
type SampleType int

const (
	Uint8 SampleType = iota
	Uint16
	Float32
)

// ReadFile decodes path into a float32 Buffer, widening 8/16-bit samples.
func ReadFile(path string) (*buffer.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tiffio: read %q: %w", path, err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads one TIFF image from r into a float32 Buffer.
func Decode(r io.Reader) (*buffer.Buffer, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("tiffio: read: %w", err)
	}

	if st, w, h, samples, ferr := decodeFloat32(raw); ferr == nil {
		_ = st
		req := buffer.Requisition{NumDims: 2, Dims: [3]int{h, w, 0}}
		b := buffer.New(req, buffer.Host)
		host, _ := b.GetHostArray()
		copy(host, samples)
		return b, nil
	}

	img, err := tiff.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tiffio: decode: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	req := buffer.Requisition{NumDims: 2, Dims: [3]int{h, w, 0}}
	out := buffer.New(req, buffer.Host)
	host, _ := out.GetHostArray()

	switch px := img.(type) {
	case *image.Gray16:
		out.SetIngressBytes(toLittleEndian16(px.Pix, w, h))
		if err := out.Reinterpret(16, w*h); err != nil {
			return nil, err
		}
	case *image.Gray:
		out.SetIngressBytes(px.Pix[:w*h])
		if err := out.Reinterpret(8, w*h); err != nil {
			return nil, err
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
				r16, _, _, _ := c.RGBA()
				host[y*w+x] = float32(r16 >> 8)
			}
		}
	}
	return out, nil
}

// toLittleEndian16 repacks image.Gray16's big-endian Pix into the
// little-endian layout Buffer.Reinterpret expects from ingress readers.
func toLittleEndian16(pix []byte, w, h int) []byte {
	out := make([]byte, len(pix))
	for i := 0; i < w*h; i++ {
		hi, lo := pix[2*i], pix[2*i+1]
		out[2*i], out[2*i+1] = lo, hi
	}
	return out
}

// decodeFloat32 attempts to parse raw as a minimal single-strip,
// SampleFormat=3 (floating point), BitsPerSample=32 TIFF, since
// golang.org/x/image/tiff has no float32 grayscale support.
func decodeFloat32(raw []byte) (SampleType, int, int, []float32, error) {
	tags, byteOrder, w, h, bits, format, stripOffset, stripBytes, err := scanIFD(raw)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	_ = tags
	if bits != 32 || format != 3 {
		return 0, 0, 0, nil, fmt.Errorf("tiffio: not a float32 TIFF")
	}
	n := w * h
	if stripBytes < n*4 || stripOffset+n*4 > len(raw) {
		return 0, 0, 0, nil, fmt.Errorf("tiffio: truncated float32 strip")
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		bits32 := byteOrder.Uint32(raw[stripOffset+4*i:])
		samples[i] = math.Float32frombits(bits32)
	}
	return Float32, w, h, samples, nil
}

// scanIFD walks the minimal set of tags ReadFile/Decode needs: ImageWidth
// (256), ImageLength (257), BitsPerSample (258), StripOffsets (273),
// SampleFormat (339), StripByteCounts (279).
func scanIFD(raw []byte) (tags map[int]uint32, order binary.ByteOrder, w, h, bits, format, stripOffset, stripBytes int, err error) {
	if len(raw) < 8 {
		err = fmt.Errorf("tiffio: file too small")
		return
	}
	switch string(raw[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		err = fmt.Errorf("tiffio: bad byte-order marker")
		return
	}
	ifdOffset := order.Uint32(raw[4:8])
	if int(ifdOffset)+2 > len(raw) {
		err = fmt.Errorf("tiffio: IFD offset out of range")
		return
	}
	numEntries := int(order.Uint16(raw[ifdOffset:]))
	tags = make(map[int]uint32, numEntries)

	entryBase := int(ifdOffset) + 2
	for i := 0; i < numEntries; i++ {
		entry := raw[entryBase+12*i:]
		tagID := int(order.Uint16(entry[0:2]))
		value := order.Uint32(entry[8:12])
		tags[tagID] = value
	}

	w = int(tags[256])
	h = int(tags[257])
	bits = int(tags[258])
	format = int(tags[339])
	if format == 0 {
		format = 1
	}
	stripOffset = int(tags[273])
	stripBytes = int(tags[279])
	return
}

// WriteFile encodes b to path at the given sample type (scanline-strip
// layout per §6). Float32 matches the source data exactly; Uint8/Uint16
// narrow from the buffer's canonical float32 host array.
func WriteFile(path string, b *buffer.Buffer, st SampleType) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tiffio: create %q: %w", path, err)
	}
	defer f.Close()
	return Encode(f, b, st)
}

// Encode writes b to w at the given sample type.
func Encode(w io.Writer, b *buffer.Buffer, st SampleType) error {
	req := b.GetRequisition()
	if req.NumDims != 2 {
		return fmt.Errorf("tiffio: encode requires a 2-D buffer, got %d dims", req.NumDims)
	}
	host, err := b.GetHostArray()
	if err != nil {
		return err
	}
	height, width := req.Dims[0], req.Dims[1]

	switch st {
	case Float32:
		return encodeFloat32(w, width, height, host)
	case Uint16:
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for i, v := range host {
			u := narrowToUint16(v)
			img.Pix[2*i] = byte(u >> 8)
			img.Pix[2*i+1] = byte(u)
		}
		return tiff.Encode(w, img, nil)
	default:
		img := image.NewGray(image.Rect(0, 0, width, height))
		for i, v := range host {
			img.Pix[i] = narrowToUint8(v)
		}
		return tiff.Encode(w, img, nil)
	}
}

func narrowToUint8(v float32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func narrowToUint16(v float32) uint16 {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return uint16(v)
}

// encodeFloat32 writes a minimal, single-strip, uncompressed TIFF with
// SampleFormat=3 / BitsPerSample=32, little-endian, since
// golang.org/x/image/tiff cannot produce this sample format.
func encodeFloat32(w io.Writer, width, height int, samples []float32) error {
	order := binary.LittleEndian
	header := make([]byte, 8)
	copy(header, "II")
	order.PutUint16(header[2:], 42)

	type entry struct {
		tag, typ uint16
		count, value uint32
	}
	stripBytes := uint32(width * height * 4)
	entries := []entry{
		{256, 4, 1, uint32(width)},
		{257, 4, 1, uint32(height)},
		{258, 3, 1, 32},
		{259, 3, 1, 1}, // Compression = none
		{262, 3, 1, 1}, // PhotometricInterpretation = BlackIsZero
		{273, 4, 1, 0}, // StripOffsets, patched below
		{277, 3, 1, 1}, // SamplesPerPixel
		{278, 4, 1, uint32(height)}, // RowsPerStrip
		{279, 4, 1, stripBytes},
		{339, 3, 1, 3}, // SampleFormat = IEEE float
	}

	ifdOffset := uint32(8)
	order.PutUint32(header[4:], ifdOffset)

	ifdSize := 2 + len(entries)*12 + 4
	stripOffset := ifdOffset + uint32(ifdSize)
	for i := range entries {
		if entries[i].tag == 273 {
			entries[i].value = stripOffset
		}
	}

	buf := new(bytes.Buffer)
	buf.Write(header)
	binary.Write(buf, order, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(buf, order, e.tag)
		binary.Write(buf, order, e.typ)
		binary.Write(buf, order, e.count)
		binary.Write(buf, order, e.value)
	}
	binary.Write(buf, order, uint32(0)) // next IFD offset

	for _, v := range samples {
		binary.Write(buf, order, v)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

package codec

import (
	"bytes"
	"image"
	"image/draw"
	"image/png"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// PNG scheme: the token stream, prefixed with a 16-bit magic, is written into
// the low bits of the R/G/B channels and repeated back to back across the
// whole pixel area. Cropping or overwriting a region leaves the untouched
// repetitions recoverable. Alpha is left alone; editors that premultiply
// would otherwise smear the payload.
var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const (
	slotMagic = uint16(0x4C4D) // "LM"
	slotBits  = 16 + token.StreamSize*8
)

type pngCodec struct{}

func (pngCodec) Media() domain.MediaType { return domain.MediaPNG }
func (pngCodec) MinSize() int            { return len(pngMagic) + 16 }

func (pngCodec) Sniff(content []byte) bool {
	return bytes.HasPrefix(content, pngMagic)
}

func (c pngCodec) Embed(content []byte, tok token.Token) ([]byte, error) {
	if len(content) < c.MinSize() {
		return nil, domain.ErrContentTooSmall
	}
	src, err := png.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	b := src.Bounds()
	capacity := b.Dx() * b.Dy() * 3
	if capacity < slotBits {
		return nil, domain.ErrContentTooSmall
	}
	img := image.NewNRGBA(b)
	draw.Draw(img, b, src, b.Min, draw.Src)

	payload := slotPayload(tok)
	bitAt := func(i int) uint8 {
		i %= slotBits
		return payload[i/8] >> uint(7-i%8) & 1
	}
	// Channel k of pixel p carries bit p*3+k; slots tile the area end to end.
	n := 0
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+4]
			for k := 0; k < 3; k++ {
				px[k] = px[k]&0xFE | bitAt(n)
				n++
			}
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	return out.Bytes(), nil
}

// Extract reads the channel bitstream and scans for the slot magic at any
// offset, so repetitions survive even when cropping shifted the alignment.
func (pngCodec) Extract(content []byte) []Candidate {
	src, err := png.Decode(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	b := src.Bounds()
	img := image.NewNRGBA(b)
	draw.Draw(img, b, src, b.Min, draw.Src)

	stream := make([]uint8, 0, b.Dx()*b.Dy()*3)
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < b.Dx(); x++ {
			px := row[x*4 : x*4+4]
			for k := 0; k < 3; k++ {
				stream = append(stream, px[k]&1)
			}
		}
	}

	var shares []token.Share
	for i := 0; i+slotBits <= len(stream); {
		if readBits16(stream, i) != slotMagic {
			i++
			continue
		}
		buf := make([]byte, token.StreamSize)
		for j := range buf {
			buf[j] = readBits8(stream, i+16+j*8)
		}
		shares = append(shares, parseStream(buf)...)
		i += slotBits
	}
	return assemble(shares)
}

func slotPayload(tok token.Token) []byte {
	stream := tok.Stream()
	out := make([]byte, 2+token.StreamSize)
	out[0] = byte(slotMagic >> 8)
	out[1] = byte(slotMagic & 0xFF)
	copy(out[2:], stream[:])
	return out
}

func readBits8(stream []uint8, off int) byte {
	var b byte
	for i := 0; i < 8; i++ {
		b = b<<1 | stream[off+i]
	}
	return b
}

func readBits16(stream []uint8, off int) uint16 {
	return uint16(readBits8(stream, off))<<8 | uint16(readBits8(stream, off+8))
}

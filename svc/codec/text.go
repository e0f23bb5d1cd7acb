package codec

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// Zero-width encoding: U+200B is a 0 bit, U+200C is a 1 bit, U+200D delimits
// a run. None of the three render in any mainstream viewer or editor.
const (
	zwZero  = '​'
	zwOne   = '‌'
	zwDelim = '‍'
)

const minTextSize = 16

type textCodec struct{}

func (textCodec) Media() domain.MediaType { return domain.MediaText }
func (textCodec) MinSize() int            { return minTextSize }

func (textCodec) Sniff(content []byte) bool {
	return len(content) > 0 && utf8.Valid(content) && !bytes.ContainsRune(content, 0)
}

// Embed appends one share run to each of eight line ends spread evenly
// through the document, plus the full token stream at EOF. A copy that loses
// whole sections still keeps the runs attached to surviving lines.
func (c textCodec) Embed(content []byte, tok token.Token) ([]byte, error) {
	if len(content) < c.MinSize() {
		return nil, domain.ErrContentTooSmall
	}
	if !c.Sniff(content) {
		return nil, domain.ErrUnsupportedContent
	}
	shares := tok.Shares()
	lines := bytes.Split(content, []byte("\n"))
	runs := make([][]byte, len(lines))
	for i := range shares {
		li := i * len(lines) / token.ShareCount
		w := shares[i].Wire()
		runs[li] = append(runs[li], []byte(zwEncode(w[:]))...)
	}

	var buf bytes.Buffer
	buf.Grow(len(content) + (token.ShareCount+token.StreamSize)*16)
	for i, line := range lines {
		buf.Write(line)
		buf.Write(runs[i])
		if i < len(lines)-1 {
			buf.WriteByte('\n')
		}
	}
	stream := tok.Stream()
	buf.WriteString(zwEncode(stream[:]))
	return buf.Bytes(), nil
}

// Extract collects every zero-width run, decodes whole 32-bit groups into
// wire shares, and majority-votes the result.
func (textCodec) Extract(content []byte) []Candidate {
	if !utf8.Valid(content) {
		return nil
	}
	var shares []token.Share
	var group []byte
	flush := func() {
		shares = append(shares, parseStream(group)...)
		group = nil
	}
	var bitBuf byte
	var nBits int
	closeByte := func() {
		bitBuf, nBits = 0, 0
	}
	for _, r := range string(content) {
		switch r {
		case zwZero, zwOne:
			bitBuf <<= 1
			if r == zwOne {
				bitBuf |= 1
			}
			nBits++
			if nBits == 8 {
				group = append(group, bitBuf)
				closeByte()
			}
		case zwDelim:
			closeByte()
			flush()
		default:
			closeByte()
			flush()
		}
	}
	flush()
	return assemble(shares)
}

func zwEncode(b []byte) string {
	var sb strings.Builder
	sb.Grow(2 + len(b)*8*3)
	sb.WriteRune(zwDelim)
	for _, by := range b {
		for bit := 7; bit >= 0; bit-- {
			if by>>uint(bit)&1 == 1 {
				sb.WriteRune(zwOne)
			} else {
				sb.WriteRune(zwZero)
			}
		}
	}
	sb.WriteRune(zwDelim)
	return sb.String()
}

package codec

import (
	"bytes"
	"encoding/base64"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// PDF scheme: one comment line per share, written twice — immediately before
// the final %%EOF and again after it as an appended tail. Readers ignore
// comment lines and trailing bytes, and neither location shifts the byte
// offsets recorded in the xref table.
const pdfMarker = "%%LMK"

type pdfCodec struct{}

func (pdfCodec) Media() domain.MediaType { return domain.MediaPDF }
func (pdfCodec) MinSize() int            { return 32 }

func (pdfCodec) Sniff(content []byte) bool {
	return bytes.HasPrefix(content, []byte("%PDF"))
}

func (c pdfCodec) Embed(content []byte, tok token.Token) ([]byte, error) {
	if len(content) < c.MinSize() {
		return nil, domain.ErrContentTooSmall
	}
	if !c.Sniff(content) {
		return nil, domain.ErrUnsupportedContent
	}
	block := shareBlock(tok)

	var out bytes.Buffer
	out.Grow(len(content) + 2*len(block) + 1)
	if eof := bytes.LastIndex(content, []byte("%%EOF")); eof >= 0 {
		out.Write(content[:eof])
		out.Write(block)
		out.Write(content[eof:])
	} else {
		out.Write(content)
	}
	if out.Len() > 0 && out.Bytes()[out.Len()-1] != '\n' {
		out.WriteByte('\n')
	}
	out.Write(block)
	return out.Bytes(), nil
}

func (pdfCodec) Extract(content []byte) []Candidate {
	var shares []token.Share
	for _, line := range bytes.Split(content, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte(pdfMarker)) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(string(line[len(pdfMarker):]))
		if err != nil {
			continue
		}
		shares = append(shares, parseStream(raw)...)
	}
	return assemble(shares)
}

func shareBlock(tok token.Token) []byte {
	var buf bytes.Buffer
	for _, sh := range tok.Shares() {
		w := sh.Wire()
		buf.WriteString(pdfMarker)
		buf.WriteString(base64.StdEncoding.EncodeToString(w[:]))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

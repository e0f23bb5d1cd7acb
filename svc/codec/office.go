package codec

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"io"

	"github.com/klauspost/compress/flate"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// Office documents (docx/xlsx/pptx) are OPC zip containers. The token stream
// is carried in two independent locations: a custom part under docProps/ and
// the archive comment. Word and Excel preserve unknown parts on re-save far
// more reliably than they preserve the comment, and the comment survives
// tools that strip unknown parts.
const (
	officePart        = "docProps/leakmark.bin"
	officeContentPart = "[Content_Types].xml"
)

type officeCodec struct{}

func (officeCodec) Media() domain.MediaType { return domain.MediaOffice }
func (officeCodec) MinSize() int            { return 64 }

func (officeCodec) Sniff(content []byte) bool {
	if !bytes.HasPrefix(content, []byte("PK\x03\x04")) {
		return false
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == officeContentPart {
			return true
		}
	}
	return false
}

func (c officeCodec) Embed(content []byte, tok token.Token) ([]byte, error) {
	if len(content) < c.MinSize() {
		return nil, domain.ErrContentTooSmall
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	stream := tok.Stream()

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	if err := zw.SetComment(base64.StdEncoding.EncodeToString(stream[:])); err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	for _, f := range zr.File {
		if f.Name == officePart {
			continue
		}
		hdr := f.FileHeader
		w, err := zw.CreateHeader(&hdr)
		if err != nil {
			return nil, domain.ErrUnsupportedContent
		}
		rc, err := f.Open()
		if err != nil {
			return nil, domain.ErrUnsupportedContent
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return nil, domain.ErrUnsupportedContent
		}
	}
	pw, err := zw.Create(officePart)
	if err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	if _, err := pw.Write(stream[:]); err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	if err := zw.Close(); err != nil {
		return nil, domain.ErrUnsupportedContent
	}
	return out.Bytes(), nil
}

func (officeCodec) Extract(content []byte) []Candidate {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil
	}
	var shares []token.Share
	if raw, err := base64.StdEncoding.DecodeString(zr.Comment); err == nil {
		shares = append(shares, parseStream(raw)...)
	}
	for _, f := range zr.File {
		if f.Name != officePart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(rc, token.StreamSize*4))
		rc.Close()
		if err == nil {
			shares = append(shares, parseStream(raw)...)
		}
	}
	return assemble(shares)
}

// Package codec embeds and recovers fingerprint tokens across the supported
// content types. Each scheme hides the token's shares in multiple independent
// locations so that recovery survives partial edits, re-saves, and truncation.
package codec

import (
	"math/bits"
	"path/filepath"
	"strings"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// Codec is the per-media-type embedding scheme. Embed returns new content that
// renders identically to the input; Extract never fails, it just returns zero
// candidates when nothing survives.
type Codec interface {
	Media() domain.MediaType
	Sniff(content []byte) bool
	MinSize() int
	Embed(content []byte, tok token.Token) ([]byte, error)
	Extract(content []byte) []Candidate
}

// Candidate is a token reconstructed from recovered shares. Confidence is the
// fraction of the token's share slots that were recovered consistently.
type Candidate struct {
	Token      token.Token
	Shares     []token.Share
	Mask       uint8
	Confidence float64
}

// Set holds the registered codecs in sniffing priority order. Binary formats
// are probed before text so that a PNG never sniffs as UTF-8 by accident.
type Set struct {
	codecs []Codec
}

func NewSet() *Set {
	return &Set{codecs: []Codec{
		&pngCodec{},
		&pdfCodec{},
		&officeCodec{},
		&textCodec{},
	}}
}

// Detect picks the codec for the given content, magic bytes first and the
// file extension as a fallback hint.
func (s *Set) Detect(content []byte, fileName string) (Codec, error) {
	for _, c := range s.codecs {
		if c.Sniff(content) {
			return c, nil
		}
	}
	if m, ok := mediaForExt(filepath.Ext(fileName)); ok {
		if c, found := s.ForMedia(m); found {
			return c, nil
		}
	}
	return nil, domain.ErrUnsupportedContent
}

// ForMedia returns the codec registered for a stored media type.
func (s *Set) ForMedia(m domain.MediaType) (Codec, bool) {
	for _, c := range s.codecs {
		if c.Media() == m {
			return c, true
		}
	}
	return nil, false
}

func mediaForExt(ext string) (domain.MediaType, bool) {
	switch strings.ToLower(ext) {
	case ".txt", ".md", ".csv", ".log":
		return domain.MediaText, true
	case ".png":
		return domain.MediaPNG, true
	case ".pdf":
		return domain.MediaPDF, true
	case ".docx", ".xlsx", ".pptx":
		return domain.MediaOffice, true
	}
	return "", false
}

// assemble majority-votes recovered shares per slot index and builds a single
// candidate. Conflicting votes for a slot disqualify that slot rather than
// guessing; a slot with a clear winner counts toward confidence.
func assemble(shares []token.Share) []Candidate {
	if len(shares) == 0 {
		return nil
	}
	votes := make([]map[[2]byte]int, token.ShareCount)
	for _, sh := range shares {
		if int(sh.Index) >= token.ShareCount {
			continue
		}
		if votes[sh.Index] == nil {
			votes[sh.Index] = make(map[[2]byte]int)
		}
		votes[sh.Index][sh.Payload]++
	}
	var winners []token.Share
	for idx, m := range votes {
		if m == nil {
			continue
		}
		var best [2]byte
		bestN, runnerUp := 0, 0
		for p, n := range m {
			switch {
			case n > bestN:
				best, bestN, runnerUp = p, n, bestN
			case n > runnerUp:
				runnerUp = n
			}
		}
		if bestN == 0 || bestN == runnerUp {
			continue
		}
		winners = append(winners, token.Share{Index: uint8(idx), Payload: best})
	}
	if len(winners) == 0 {
		return nil
	}
	tok, mask := token.FromShares(winners)
	return []Candidate{{
		Token:      tok,
		Shares:     winners,
		Mask:       mask,
		Confidence: float64(bits.OnesCount8(mask)) / float64(token.ShareCount),
	}}
}

// parseStream splits a recovered byte run into wire-encoded shares. Runs that
// carry the full token stream are just eight consecutive wire shares.
func parseStream(b []byte) []token.Share {
	var out []token.Share
	for off := 0; off+token.WireSize <= len(b); off += token.WireSize {
		if sh, ok := token.ParseWire(b[off : off+token.WireSize]); ok {
			out = append(out, sh)
		}
	}
	return out
}

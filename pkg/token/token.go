package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"leakmark/pkg/domain"
)

const (
	// Size is the token width in bytes (128 bits).
	Size = 16
	// ShareCount is the number of independently embeddable token fragments.
	ShareCount = 8
	// WireSize is the encoded width of one share: index, two payload bytes, crc8.
	WireSize = 4
	// StreamSize is the full wire-encoded share stream.
	StreamSize = ShareCount * WireSize
)

const payloadBytes = Size / ShareCount

// identifier fields are joined with a unit separator before keying, so an
// identifier may never contain one.
const idSep = 0x1f

var ErrKeyTooShort = errors.New("token key must be at least 32 bytes")

// Token is the hidden recipient-unique bit pattern embedded in a copy.
type Token [Size]byte

// Share is one redundantly-embedded fragment of a token.
type Share struct {
	Index   uint8
	Payload [payloadBytes]byte
}

// DeriveKey stretches the master secret into the token-generation key.
func DeriveKey(master []byte) ([]byte, error) {
	if len(master) < 32 {
		return nil, ErrKeyTooShort
	}
	r := hkdf.New(sha256.New, master, nil, []byte("leakmark/token/v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return key, nil
}

// Generate derives the token for one (distribution, recipient) pair. It is a
// keyed PRF: deterministic for the same inputs, collision-resistant across
// distinct inputs, and non-invertible without the key.
func Generate(key []byte, distributionID int64, recipientID string) (Token, error) {
	var t Token
	if len(key) < 32 {
		return t, ErrKeyTooShort
	}
	if distributionID <= 0 {
		return t, errors.Wrap(domain.ErrInvalidIdentifier, "distribution id must be positive")
	}
	if recipientID == "" {
		return t, errors.Wrap(domain.ErrInvalidIdentifier, "empty recipient identifier")
	}
	for _, r := range recipientID {
		if unicode.IsControl(r) {
			return t, errors.Wrap(domain.ErrInvalidIdentifier, "identifier contains control characters")
		}
	}
	mac := hmac.New(sha256.New, key)
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], uint64(distributionID))
	mac.Write(idBuf[:])
	mac.Write([]byte{idSep})
	mac.Write([]byte(recipientID))
	copy(t[:], mac.Sum(nil)[:Size])
	return t, nil
}

func (t Token) Hex() string {
	return hex.EncodeToString(t[:])
}

func ParseHex(s string) (Token, error) {
	var t Token
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, errors.Wrap(err, "token hex")
	}
	if len(b) != Size {
		return t, errors.Errorf("token must be %d bytes, got %d", Size, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// Shares splits the token into its fragments. Share i carries bytes
// [2i, 2i+2) of the token.
func (t Token) Shares() [ShareCount]Share {
	var out [ShareCount]Share
	for i := 0; i < ShareCount; i++ {
		out[i].Index = uint8(i)
		copy(out[i].Payload[:], t[i*payloadBytes:(i+1)*payloadBytes])
	}
	return out
}

// Stream is the wire encoding of all shares, in index order.
func (t Token) Stream() [StreamSize]byte {
	var out [StreamSize]byte
	for i, s := range t.Shares() {
		w := s.Wire()
		copy(out[i*WireSize:], w[:])
	}
	return out
}

// Wire encodes the share with its index and a crc8 so it validates on its own.
func (s Share) Wire() [WireSize]byte {
	var w [WireSize]byte
	w[0] = s.Index
	w[1] = s.Payload[0]
	w[2] = s.Payload[1]
	w[3] = crc8(w[:3])
	return w
}

// Key is the share's reverse-index key.
func (s Share) Key() string {
	return fmt.Sprintf("%d:%02x%02x", s.Index, s.Payload[0], s.Payload[1])
}

// ParseWire decodes one wire-encoded share, rejecting bad indices and
// checksum mismatches.
func ParseWire(b []byte) (Share, bool) {
	var s Share
	if len(b) < WireSize {
		return s, false
	}
	if b[0] >= ShareCount {
		return s, false
	}
	if crc8(b[:3]) != b[3] {
		return s, false
	}
	s.Index = b[0]
	s.Payload[0] = b[1]
	s.Payload[1] = b[2]
	return s, true
}

// FromShares reassembles a token from at most one share per index. Missing
// indices are left zero; the mask reports which indices were filled.
func FromShares(shares []Share) (Token, uint8) {
	var t Token
	var mask uint8
	for _, s := range shares {
		if s.Index >= ShareCount {
			continue
		}
		if mask&(1<<s.Index) != 0 {
			continue
		}
		copy(t[int(s.Index)*payloadBytes:], s.Payload[:])
		mask |= 1 << s.Index
	}
	return t, mask
}

// crc8 with polynomial 0x07 (CRC-8/ATM).
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

package domain

import (
	"time"
)

type MediaType string

const (
	MediaText   MediaType = "text"
	MediaPNG    MediaType = "png"
	MediaPDF    MediaType = "pdf"
	MediaOffice MediaType = "office"
)

// Distribution is one act of sending a file to a set of recipients. Immutable
// after creation; the registry is the only owner of its records and content.
type Distribution struct {
	ID           int64           `json:"id"`
	FileName     string          `json:"file_name"`
	MediaType    MediaType       `json:"media_type"`
	ContentHash  string          `json:"-"`
	EncryptedDEK []byte          `json:"-"`
	CreatedAt    time.Time       `json:"date"`
	Copies       []RecipientCopy `json:"recipients,omitempty"`
}

// RecipientCopy is one fingerprinted copy of the distributed file. The copy
// content is stored sealed with the distribution's DEK.
type RecipientCopy struct {
	ID               int64    `json:"id"`
	DistributionID   int64    `json:"-"`
	Recipient        string   `json:"recipient"`
	TokenHex         string   `json:"-"`
	EncryptedContent []byte   `json:"-"`
	ShareKeys        []string `json:"-"`
}

// Summary is the admin-table view of a distribution.
type Summary struct {
	ID         int64
	FileName   string
	MediaType  MediaType
	CreatedAt  time.Time
	Recipients []string
}

// ShareEntry is one persisted reverse-index row: a single token share mapped
// back to the copy it fingerprints.
type ShareEntry struct {
	ShareKey       string
	TokenHex       string
	DistributionID int64
	Recipient      string
	CreatedAt      time.Time
}

// Attribution is the result of resolving a suspect file back to its origin.
type Attribution struct {
	DistributionID int64
	Recipient      string
	CreatedAt      time.Time
	MatchedShares  int
	Confidence     float64
}

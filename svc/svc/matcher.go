package svc

import (
	"context"
	"math"

	"leakmark/metrics"
	"leakmark/pkg/domain"
	"leakmark/pkg/token"
	"leakmark/svc/codec"
	"leakmark/svc/util"
)

// Attribution requires at least half the share slots recovered, and never
// accepts a token on fewer than minQuorum agreeing shares no matter how low
// the extraction confidence was.
const (
	confidenceFloor = 0.5
	minQuorum       = 5
)

// Matcher resolves a suspect file back to the recipient whose copy it came
// from. Scanning is read-only; NotFound is an ordinary outcome.
type Matcher struct {
	codecs *codec.Set
	index  *shareIndex
}

func NewMatcher(r *Registry) *Matcher {
	return &Matcher{codecs: r.codecs, index: r.index}
}

func (m *Matcher) Scan(ctx context.Context, content []byte, fileName string) (*domain.Attribution, error) {
	metrics.ScansTotal.Inc()
	c, err := m.codecs.Detect(content, fileName)
	if err != nil {
		metrics.AttributionResults.WithLabelValues("not_found").Inc()
		return nil, domain.ErrNotFound
	}
	var best *domain.Attribution
	for _, cand := range c.Extract(content) {
		if cand.Confidence < confidenceFloor {
			continue
		}
		matches := m.index.lookup(cand.Shares, quorumFor(cand.Confidence))
		if len(matches) == 0 {
			continue
		}
		if len(matches) > 1 &&
			matches[0].MatchedShares == matches[1].MatchedShares &&
			matches[0].Recipient != matches[1].Recipient {
			metrics.AttributionResults.WithLabelValues("ambiguous").Inc()
			util.Warn().
				Int64("distribution_a", matches[0].DistributionID).
				Int64("distribution_b", matches[1].DistributionID).
				Msg("ambiguous attribution")
			return nil, domain.ErrAmbiguous
		}
		hit := matches[0]
		attr := &domain.Attribution{
			DistributionID: hit.DistributionID,
			Recipient:      hit.Recipient,
			CreatedAt:      hit.CreatedAt,
			MatchedShares:  hit.MatchedShares,
			Confidence:     cand.Confidence,
		}
		if best == nil || attr.MatchedShares > best.MatchedShares {
			best = attr
		}
	}
	if best == nil {
		metrics.AttributionResults.WithLabelValues("not_found").Inc()
		return nil, domain.ErrNotFound
	}
	metrics.AttributionResults.WithLabelValues("found").Inc()
	util.Info().
		Int64("distribution_id", best.DistributionID).
		Str("recipient", util.RedactRecipient(best.Recipient)).
		Int("matched_shares", best.MatchedShares).
		Msg("leak attributed")
	return best, nil
}

// quorumFor maps extraction confidence to the share quorum the index lookup
// demands: the more shares the codec recovered cleanly, the more of them must
// agree with the stored token.
func quorumFor(confidence float64) int {
	q := int(math.Round(confidence*float64(token.ShareCount))) - 1
	if q < minQuorum {
		q = minQuorum
	}
	if q > token.ShareCount {
		q = token.ShareCount
	}
	return q
}

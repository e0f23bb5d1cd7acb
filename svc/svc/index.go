package svc

import (
	"sort"
	"sync"
	"time"

	"leakmark/pkg/domain"
	"leakmark/pkg/token"
)

// shareIndex is the in-memory reverse index: share key → tokens carrying that
// share, plus token → owning copy. The creation path is the only writer and
// publishes entries after the database commit, so readers never observe a
// partially indexed distribution.
type shareIndex struct {
	mu     sync.RWMutex
	byKey  map[string]map[string]struct{}
	tokens map[string]indexedToken
}

type indexedToken struct {
	distributionID int64
	recipient      string
	createdAt      time.Time
}

// Match is one reverse-index hit, ranked by how many of the candidate's
// shares agree with the indexed token.
type Match struct {
	TokenHex       string
	DistributionID int64
	Recipient      string
	CreatedAt      time.Time
	MatchedShares  int
}

func newShareIndex() *shareIndex {
	return &shareIndex{
		byKey:  make(map[string]map[string]struct{}),
		tokens: make(map[string]indexedToken),
	}
}

func (ix *shareIndex) addEntries(entries []domain.ShareEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		set, ok := ix.byKey[e.ShareKey]
		if !ok {
			set = make(map[string]struct{})
			ix.byKey[e.ShareKey] = set
		}
		set[e.TokenHex] = struct{}{}
		ix.tokens[e.TokenHex] = indexedToken{
			distributionID: e.DistributionID,
			recipient:      e.Recipient,
			createdAt:      e.CreatedAt,
		}
	}
}

// lookup counts per-token share agreement for the recovered shares and
// returns tokens meeting the quorum, best first. Ties are broken by newer
// distribution so repeated sends of one file prefer the latest record.
func (ix *shareIndex) lookup(shares []token.Share, minQuorum int) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	counts := make(map[string]int)
	for _, sh := range shares {
		for tokenHex := range ix.byKey[sh.Key()] {
			counts[tokenHex]++
		}
	}
	var out []Match
	for tokenHex, n := range counts {
		if n < minQuorum {
			continue
		}
		it := ix.tokens[tokenHex]
		out = append(out, Match{
			TokenHex:       tokenHex,
			DistributionID: it.distributionID,
			Recipient:      it.recipient,
			CreatedAt:      it.createdAt,
			MatchedShares:  n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MatchedShares != out[j].MatchedShares {
			return out[i].MatchedShares > out[j].MatchedShares
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (ix *shareIndex) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.tokens)
}

package family

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucalabs/cosmic-family/internal/ledger"
)

type Vote string

const (
	VoteYes     Vote = "yes"
	VoteNo      Vote = "no"
	VoteUnclear Vote = "unclear"
	VoteTie     Vote = "tie"
)

const voteExcerptLimit = 500

// Tally is the outcome of one consensus vote, derived entirely from a
// synthesis result plus the vote re-queries.
type Tally struct {
	Yes           int             `json:"yes"`
	No            int             `json:"no"`
	Unclear       int             `json:"unclear"`
	ProviderVotes map[string]Vote `json:"provider_votes"`
	Consensus     Vote            `json:"consensus"`
	Confidence    float64         `json:"confidence"`
}

// ConsensusVote re-queries each provider that produced a usable answer
// with a yes/no framing built from its own prior response, then tallies
// the votes. Providers whose synthesis entry already failed count as
// unclear without a re-query. Every vote query is itself a logged
// dispatch.
func (f *Family) ConsensusVote(ctx context.Context, results map[string]*ledger.Record, question string) *Tally {
	if question == "" {
		question = DefaultQuestion
	}

	tally := &Tally{
		ProviderVotes: make(map[string]Vote),
	}

	for name, record := range results {
		if record.Error != "" {
			tally.Unclear++
			tally.ProviderVotes[name] = VoteUnclear
			continue
		}

		voteQuery := fmt.Sprintf("%s\n\nBased on: %s", question, excerpt(record.ResponseText))
		voteRecord := f.Process(ctx, name, voteQuery, 10, 0)

		vote := parseVote(voteRecord.ResponseText)
		tally.ProviderVotes[name] = vote
		switch vote {
		case VoteYes:
			tally.Yes++
		case VoteNo:
			tally.No++
		default:
			tally.Unclear++
		}
	}

	decided := tally.Yes + tally.No
	switch {
	case decided == 0:
		tally.Consensus = VoteUnclear
	case tally.Yes > tally.No:
		tally.Consensus = VoteYes
	case tally.No > tally.Yes:
		tally.Consensus = VoteNo
	default:
		tally.Consensus = VoteTie
	}
	if decided > 0 {
		tally.Confidence = float64(max(tally.Yes, tally.No)) / float64(decided)
	}

	return tally
}

// parseVote checks for "yes" before "no", so contradictory text such
// as "noyes" counts as yes. The check order is deliberate and frozen;
// do not reorder.
func parseVote(text string) Vote {
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "yes") {
		return VoteYes
	}
	if strings.Contains(lowered, "no") {
		return VoteNo
	}
	return VoteUnclear
}

// excerpt truncates to 500 characters, not bytes, so a multi-byte rune
// at the boundary is never split into invalid UTF-8.
func excerpt(text string) string {
	runes := []rune(text)
	if len(runes) > voteExcerptLimit {
		return string(runes[:voteExcerptLimit])
	}
	return text
}

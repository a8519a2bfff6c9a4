// Package reward computes the ranked winners and payouts of a finished session.
package reward

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
)

const payoutPlaces = 2

// Scores is the read side of the session ledger.
type Scores interface {
	Score(player string, question int) domain.Score
	QuestionStats() []domain.QuestionStat
}

type Input struct {
	Scores        Scores
	Roster        []string
	Policy        domain.RewardPolicy
	PrizePool     decimal.Decimal
	QuestionCount int
}

type Output struct {
	// Standings holds every player ordered by correct answers, ties kept in roster order.
	Standings     []domain.Standing
	Winners       []domain.Winner
	QuestionStats []domain.QuestionStat
}

// Calculate runs once at the end of a session. It is deterministic for a given input.
func Calculate(in Input) Output {
	standings := rank(in)

	var winners []domain.Winner
	switch in.Policy {
	case domain.RewardPolicyAllOrNothing:
		winners = allOrNothing(in, standings)
	case domain.RewardPolicyPerQuestion:
		winners = perQuestion(in, standings)
	}

	return Output{
		Standings:     standings,
		Winners:       winners,
		QuestionStats: in.Scores.QuestionStats(),
	}
}

func rank(in Input) []domain.Standing {
	standings := make([]domain.Standing, 0, len(in.Roster))
	for _, p := range in.Roster {
		st := domain.Standing{PlayerID: p}
		for q := 1; q <= in.QuestionCount; q++ {
			switch in.Scores.Score(p, q) {
			case domain.ScoreCorrect:
				st.Correct++
			case domain.ScoreWrong:
				st.Wrong++
			case domain.ScoreUnanswered:
				st.Unanswered++
			}
		}
		standings = append(standings, st)
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Correct > standings[j].Correct
	})

	return standings
}

// allOrNothing pays round(pool/k, 2) to each of the k players with a perfect score.
func allOrNothing(in Input, standings []domain.Standing) []domain.Winner {
	var ids []string
	for _, st := range standings {
		if st.Correct == in.QuestionCount {
			ids = append(ids, st.PlayerID)
		}
	}

	if len(ids) == 0 {
		return nil
	}

	payout := in.PrizePool.Div(decimal.NewFromInt(int64(len(ids)))).Round(payoutPlaces)

	winners := make([]domain.Winner, 0, len(ids))
	for _, id := range ids {
		winners = append(winners, domain.Winner{PlayerID: id, Payout: payout})
	}
	return winners
}

// perQuestion splits pool/questionCount per question among the winners who got it
// right, truncating the running total to two places after every addition.
func perQuestion(in Input, standings []domain.Standing) []domain.Winner {
	var ids []string
	for _, st := range standings {
		if st.Correct > 0 {
			ids = append(ids, st.PlayerID)
		}
	}

	if len(ids) == 0 || in.QuestionCount == 0 {
		return nil
	}

	share := in.PrizePool.Div(decimal.NewFromInt(int64(in.QuestionCount)))

	solvers := make([]int64, in.QuestionCount+1)
	for q := 1; q <= in.QuestionCount; q++ {
		for _, id := range ids {
			if in.Scores.Score(id, q) == domain.ScoreCorrect {
				solvers[q]++
			}
		}
	}

	winners := make([]domain.Winner, 0, len(ids))
	for _, id := range ids {
		total := decimal.Zero
		for q := 1; q <= in.QuestionCount; q++ {
			if in.Scores.Score(id, q) != domain.ScoreCorrect {
				continue
			}
			total = total.Add(share.Div(decimal.NewFromInt(solvers[q]))).Truncate(payoutPlaces)
		}
		winners = append(winners, domain.Winner{PlayerID: id, Payout: total})
	}
	return winners
}

// Package ledger holds the in-memory score data of a single quiz session.
//
// A Ledger is owned by exactly one session and is not safe for concurrent use;
// the session's event loop serializes every access.
package ledger

import (
	"fmt"
	"slices"

	"github.com/victornm/quizroom/internal/domain"
)

// ChoiceNone is the recorded choice of a player who never submitted an option.
const ChoiceNone = "none"

type entryKey struct {
	player   string
	question int
}

type tallyKey struct {
	question int
	option   int
}

type Ledger struct {
	questions []domain.Question
	players   []string
	roster    map[string]struct{}
	scores    map[entryKey]domain.Score
	choices   map[entryKey]string
	tallies   map[tallyKey]int
}

// New creates a ledger where every (player, question) pair starts unanswered.
func New(questions []domain.Question, players []string) *Ledger {
	l := &Ledger{
		questions: questions,
		players:   slices.Clone(players),
		roster:    make(map[string]struct{}, len(players)),
		scores:    make(map[entryKey]domain.Score, len(players)*len(questions)),
		choices:   make(map[entryKey]string, len(players)*len(questions)),
		tallies:   make(map[tallyKey]int, len(questions)*domain.OptionCount),
	}

	for q := 1; q <= len(questions); q++ {
		for o := 1; o <= domain.OptionCount; o++ {
			l.tallies[tallyKey{q, o}] = 0
		}
	}

	for _, p := range players {
		l.roster[p] = struct{}{}
		for q := 1; q <= len(questions); q++ {
			l.scores[entryKey{p, q}] = domain.ScoreUnanswered
			l.choices[entryKey{p, q}] = ChoiceNone
		}
	}

	return l
}

func (l *Ledger) QuestionCount() int {
	return len(l.questions)
}

// Question returns the 1-based question n.
func (l *Ledger) Question(n int) (domain.Question, bool) {
	if n < 1 || n > len(l.questions) {
		return domain.Question{}, false
	}
	return l.questions[n-1], true
}

// Players returns the roster in insertion order.
func (l *Ledger) Players() []string {
	return slices.Clone(l.players)
}

func (l *Ledger) HasPlayer(player string) bool {
	_, ok := l.roster[player]
	return ok
}

func (l *Ledger) SetScore(player string, question int, s domain.Score) error {
	k := entryKey{player, question}
	if _, ok := l.scores[k]; !ok {
		return fmt.Errorf("ledger: unknown entry player=%s question=%d", player, question)
	}
	l.scores[k] = s
	return nil
}

// Score returns the score of the pair, unanswered when the pair is unknown.
func (l *Ledger) Score(player string, question int) domain.Score {
	s, ok := l.scores[entryKey{player, question}]
	if !ok {
		return domain.ScoreUnanswered
	}
	return s
}

func (l *Ledger) SetChoice(player string, question int, choice string) error {
	k := entryKey{player, question}
	if _, ok := l.choices[k]; !ok {
		return fmt.Errorf("ledger: unknown entry player=%s question=%d", player, question)
	}
	l.choices[k] = choice
	return nil
}

func (l *Ledger) Choice(player string, question int) string {
	c, ok := l.choices[entryKey{player, question}]
	if !ok {
		return ChoiceNone
	}
	return c
}

func (l *Ledger) IncrementOptionTally(question, option int) error {
	k := tallyKey{question, option}
	if _, ok := l.tallies[k]; !ok {
		return fmt.Errorf("ledger: unknown option question=%d option=%d", question, option)
	}
	l.tallies[k]++
	return nil
}

// Tallies maps a 1-based option to the number of times it was selected.
type Tallies map[int]int

func (t Tallies) Total() int {
	var n int
	for _, v := range t {
		n += v
	}
	return n
}

func (l *Ledger) OptionTallies(question int) Tallies {
	t := make(Tallies, domain.OptionCount)
	for o := 1; o <= domain.OptionCount; o++ {
		t[o] = l.tallies[tallyKey{question, o}]
	}
	return t
}

// CorrectOption returns the 1-based correct option of the question, 0 when unknown.
func (l *Ledger) CorrectOption(question int) int {
	q, ok := l.Question(question)
	if !ok {
		return 0
	}
	return q.Answer
}

type History struct {
	Scores  []domain.Score
	Choices []string
}

// PlayerHistory returns the player's scores and choices ordered by question number.
func (l *Ledger) PlayerHistory(player string) History {
	h := History{
		Scores:  make([]domain.Score, 0, len(l.questions)),
		Choices: make([]string, 0, len(l.questions)),
	}
	for q := 1; q <= len(l.questions); q++ {
		h.Scores = append(h.Scores, l.Score(player, q))
		h.Choices = append(h.Choices, l.Choice(player, q))
	}
	return h
}

// LostPlayers returns, in roster order, every player with an unanswered or wrong
// question among 1..upto. It reads the full history on every call.
func (l *Ledger) LostPlayers(upto int) []string {
	upto = min(upto, len(l.questions))

	var lost []string
	for _, p := range l.players {
		for q := 1; q <= upto; q++ {
			if l.Score(p, q) != domain.ScoreCorrect {
				lost = append(lost, p)
				break
			}
		}
	}
	return lost
}

// QuestionStats aggregates the option tallies of every question into correct and wrong counts.
func (l *Ledger) QuestionStats() []domain.QuestionStat {
	stats := make([]domain.QuestionStat, 0, len(l.questions))
	for i, q := range l.questions {
		n := i + 1
		t := l.OptionTallies(n)
		correct := t[q.Answer]
		stats = append(stats, domain.QuestionStat{
			QuestionID: q.QuestionID,
			Number:     n,
			Correct:    correct,
			Wrong:      t.Total() - correct,
		})
	}
	return stats
}

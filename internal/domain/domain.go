package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RewardPolicy decides who wins a quiz and how the prize pool is split.
type RewardPolicy string

const (
	// RewardPolicyPerQuestion splits the pool evenly across questions, each question's
	// share going to the winners who answered it correctly.
	RewardPolicyPerQuestion RewardPolicy = "per-question"
	// RewardPolicyAllOrNothing splits the pool across players who answered every question correctly.
	RewardPolicyAllOrNothing RewardPolicy = "all-or-nothing"
)

func (p RewardPolicy) Valid() bool {
	return p == RewardPolicyPerQuestion || p == RewardPolicyAllOrNothing
}

type QuizStatus string

const (
	QuizStatusPending   QuizStatus = "pending"
	QuizStatusQueued    QuizStatus = "queued"
	QuizStatusRunning   QuizStatus = "running"
	QuizStatusFinished  QuizStatus = "finished"
	QuizStatusCancelled QuizStatus = "cancelled"
)

// OptionCount is the number of options every question carries.
const OptionCount = 4

// Question is immutable for the lifetime of a session. Answer is the 1-based index of the correct option.
type Question struct {
	QuestionID string
	Title      string
	Options    [OptionCount]string
	Answer     int
}

type Player struct {
	PlayerID string
	Username string
	Name     string
	Avatar   string
}

// Score is the outcome of a single (player, question) pair.
type Score int8

const (
	ScoreUnanswered Score = -1
	ScoreWrong      Score = 0
	ScoreCorrect    Score = 1
)

// PowerUp is the closed set of boosts a player can spend during a session.
type PowerUp uint8

const (
	PowerUpFiftyFifty PowerUp = iota + 1
	PowerUpPass
	PowerUpHeart
	PowerUpTwoAnswer
)

// PowerUps lists every power-up kind in a stable order.
var PowerUps = []PowerUp{PowerUpFiftyFifty, PowerUpPass, PowerUpHeart, PowerUpTwoAnswer}

// String returns the identifier clients use on the wire.
func (p PowerUp) String() string {
	switch p {
	case PowerUpFiftyFifty:
		return "50_50"
	case PowerUpPass:
		return "PASS"
	case PowerUpHeart:
		return "HEART"
	case PowerUpTwoAnswer:
		return "2_ANSWER"
	default:
		return fmt.Sprintf("PowerUp(%d)", uint8(p))
	}
}

// ProductID returns the inventory product identifier of the power-up.
func (p PowerUp) ProductID() string {
	switch p {
	case PowerUpFiftyFifty:
		return "fifty_fifty"
	case PowerUpPass:
		return "pass_question"
	case PowerUpHeart:
		return "extra_life_joker"
	case PowerUpTwoAnswer:
		return "two_answer"
	default:
		return ""
	}
}

func (p PowerUp) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PowerUp) UnmarshalText(b []byte) error {
	v, ok := ParsePowerUp(string(b))
	if !ok {
		return fmt.Errorf("unknown power-up %q", string(b))
	}
	*p = v
	return nil
}

// ParsePowerUp accepts either the wire identifier or the inventory product identifier.
func ParsePowerUp(s string) (PowerUp, bool) {
	for _, p := range PowerUps {
		if s == p.String() || s == p.ProductID() {
			return p, true
		}
	}
	return 0, false
}

// Balances holds the remaining count of each power-up kind for one player.
type Balances map[PowerUp]int

func (b Balances) Clone() Balances {
	c := make(Balances, len(PowerUps))
	for _, p := range PowerUps {
		c[p] = b[p]
	}
	return c
}

// Quiz is everything the scheduler hands over to construct a session.
type Quiz struct {
	RoomID       string
	StartTime    time.Time
	RewardPolicy RewardPolicy
	PrizePool    decimal.Decimal
	EntryFee     decimal.Decimal
	RoomSize     int
	Category     string
	Questions    []Question
	Roster       []Player
	// Inventory is the power-up snapshot keyed by player ID.
	Inventory map[string]Balances
}

// QuizInfo is the stored description of a scheduled quiz before questions and players are resolved.
type QuizInfo struct {
	RoomID       string
	StartTime    time.Time
	RewardPolicy RewardPolicy
	PrizePool    decimal.Decimal
	EntryFee     decimal.Decimal
	RoomSize     int
	Category     string
	Status       QuizStatus
	QuestionIDs  []string
	PlayerIDs    []string
}

type PowerUpUse struct {
	QuestionNumber int     `json:"question_number"`
	Kind           PowerUp `json:"kind"`
}

// Result is the hand-off of a finished session to persistence and payout.
type Result struct {
	RoomID        string
	RewardPolicy  RewardPolicy
	PrizePool     decimal.Decimal
	StartTime     time.Time
	EndTime       time.Time
	Questions     []Question
	Winners       []Winner
	Standings     []Standing
	QuestionStats []QuestionStat
	PlayerHistory []PlayerHistory
}

type Winner struct {
	PlayerID string
	Payout   decimal.Decimal
}

// Standing is a player's aggregate over the full question range.
type Standing struct {
	PlayerID   string
	Correct    int
	Wrong      int
	Unanswered int
}

type QuestionStat struct {
	QuestionID string
	Number     int
	Correct    int
	Wrong      int
}

type PlayerHistory struct {
	PlayerID     string
	Choices      []string
	Scores       []Score
	PowerUpCount map[PowerUp]int
	PowerUpLog   []PowerUpUse
}

// Leaderboard is the final payout ranking of a room, sorted by payout in descending order.
type Leaderboard struct {
	RoomID  string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	PlayerID string
	Payout   float64
}

package domain

import "github.com/shopspring/decimal"

const (
	EventNameQuizStarting       = "quiz.starting"
	EventNameQuizCancelled      = "quiz.cancelled"
	EventNamePrizeReduced       = "quiz.prize_reduced"
	EventNameSessionEnded       = "session.ended"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventQuizStarting is published shortly before a scheduled quiz starts.
type EventQuizStarting struct {
	RoomID    string
	PlayerIDs []string
}

func (EventQuizStarting) Name() string { return EventNameQuizStarting }

type EventQuizCancelled struct {
	RoomID    string
	Category  string
	PlayerIDs []string
}

func (EventQuizCancelled) Name() string { return EventNameQuizCancelled }

type EventPrizeReduced struct {
	RoomID    string
	PrizePool decimal.Decimal
	PlayerIDs []string
}

func (EventPrizeReduced) Name() string { return EventNamePrizeReduced }

type EventSessionEnded struct {
	Result Result
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

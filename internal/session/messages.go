package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/ledger"
)

// Inbound events.
const (
	EventPing           = "PING"
	EventGetGameData    = "GET_GAME_DATA"
	EventAnswer         = "ANSWER_RECEIVED"
	EventPowerUpUse     = "POWER_UP_USE"
	EventTwoAnswerGuess = "POWER_UP_2_ANSWERS"
	EventGetGameLost    = "GET_GAME_LOST"
	EventGetQuestion    = "GET_NEXT_QUESTION"
)

// Outbound events.
const (
	EventPong              = "PONG"
	EventGameData          = "GAME_DATA"
	EventJoinError         = "JOIN_ERROR"
	EventTotalJoined       = "TOTAL_JOINED_PLAYERS"
	EventGameWillStart     = "GAME_WILL_START"
	EventNextQuestion      = "NEXT_QUESTION"
	EventGameTimer         = "GAME_TIMER"
	EventAnswerAck         = "ANSWER_RECIVED_IN_SERVER"
	EventAnswerError       = "ERROR_ON_ANSWER"
	EventSingleScore       = "SINGLE_QUESTION_SCORE"
	EventQuestionScore     = "QUESTION_SCORE"
	EventGameWillEndSingle = "GAME_WILL_END_FOR_SINGLE"
	EventPowerUpResult     = "POWER_UP_RESULT"
	EventPowerUpError      = "POWER_UP_ERROR"
	EventTwoAnswerResult   = "POWER_UP_2_ANSWERS_RESULT"
	EventGameLost          = "GAME_LOST"
	EventGameWillEnd       = "GAME_WILL_END"
	EventLeaderboard       = "GET_LEADER_BOARD"
	EventError             = "ERROR"
)

// Conn is the outbound half of a player connection.
type Conn interface {
	Send([]byte) error
	Close() error
}

// Message is the envelope of every realtime event in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode marshals an outbound event.
func Encode(event string, data any) ([]byte, error) {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("session: marshal %s: %w", event, err)
	}
	return b, nil
}

// Clock is the per-room clock record broadcast on every mid-cycle tick.
type Clock struct {
	CurrentQuestion   int `json:"currQ"`
	PlaySecondsLeft   int `json:"timeLeft"`
	RevealSecondsLeft int `json:"waitTime"`
}

// Choice is a 1-based option index. Clients send it either as a number or as a numeric string.
type Choice int

func (c *Choice) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid choice %s", b)
	}
	*c = Choice(n)
	return nil
}

type (
	AnswerRequest struct {
		QNo    int    `json:"qNo"`
		Choice Choice `json:"choice"`
	}

	PowerUpRequest struct {
		QNo     int            `json:"qNo"`
		PowerUp domain.PowerUp `json:"powerUp"`
	}

	GuessRequest struct {
		Attempt int    `json:"attempt"`
		Choice  Choice `json:"choice"`
	}
)

type (
	GameData struct {
		TotalQuestions int            `json:"total_questions"`
		QuestionFor    int            `json:"questionFor"`
		Timer          Clock          `json:"timer"`
		PowerUps       map[string]int `json:"powerups"`
	}

	TotalJoined struct {
		Playing int `json:"playing"`
	}

	WillStart struct {
		TimeLeft int `json:"timeLeft"`
	}

	QuestionData struct {
		Title   string                     `json:"title"`
		Options [domain.OptionCount]string `json:"options"`
	}

	NextQuestion struct {
		QNo          int          `json:"qNo"`
		QuestionData QuestionData `json:"questionData"`
	}

	SingleScore struct {
		IsCorrect bool `json:"isCorrect"`
		QNo       int  `json:"qNo"`
	}

	QuestionScore struct {
		QNo        int            `json:"qNo"`
		Score      ledger.Tallies `json:"score"`
		CorrectAns int            `json:"correctAns"`
	}

	PowerUpResult struct {
		PowerUp domain.PowerUp `json:"powerUp"`
		QNo     int            `json:"qNo"`
		// Remove holds the hidden options of fifty-fifty.
		Remove []int `json:"remove,omitempty"`
		// WindowSeconds is the lifetime of a granted two-answer window.
		WindowSeconds int `json:"windowSeconds,omitempty"`
	}

	TwoAnswerResult struct {
		QNo       int  `json:"qNo"`
		Attempt   int  `json:"attempt,omitempty"`
		IsCorrect bool `json:"isCorrect"`
		Closed    bool `json:"closed"`
		Expired   bool `json:"expired,omitempty"`
	}

	GameLost struct {
		GameLost bool `json:"gameLost"`
	}

	LeaderboardWinner struct {
		PlayerID string `json:"playerId"`
		Payout   string `json:"payout"`
	}

	Leaderboard struct {
		Winners []LeaderboardWinner `json:"winners"`
	}

	ErrorData struct {
		Code    int    `json:"code"`
		Message string `json:"error"`
	}
)

// Package store keeps quizzes, questions, players, power-up inventory and finished
// game records in Postgres.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
)

//go:embed schema.sql
var schema string

// entryFeeProduct is the inventory product players spend to join a quiz.
const entryFeeProduct = "key"

type Config struct {
	DB       *pgxpool.Pool
	EventBus *event.Bus
}

type Store struct {
	db *pgxpool.Pool
	eb *event.Bus
}

func New(c Config) *Store {
	s := &Store{
		db: c.DB,
		eb: c.EventBus,
	}

	s.eb.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		return s.SaveResult(ctx, e.(domain.EventSessionEnded).Result)
	})

	return s
}

// Migrate creates the tables that do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) LoadQuiz(ctx context.Context, roomID string) (domain.QuizInfo, error) {
	const stmt = `
SELECT room_id, start_time, reward_policy, prize_pool, entry_fee, room_size, category, status,
	ARRAY(SELECT question_id FROM quiz_questions WHERE room_id = q.room_id ORDER BY position),
	ARRAY(SELECT player_id FROM quiz_players WHERE room_id = q.room_id ORDER BY join_time)
FROM quizzes q
WHERE room_id = $1;`

	var (
		qi     domain.QuizInfo
		policy string
		status string
	)
	err := s.db.QueryRow(ctx, stmt, roomID).Scan(
		&qi.RoomID, &qi.StartTime, &policy, &qi.PrizePool, &qi.EntryFee,
		&qi.RoomSize, &qi.Category, &status, &qi.QuestionIDs, &qi.PlayerIDs,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.QuizInfo{}, errors.New(errors.CodeNotFound,
			errors.WithMessagef("quiz not found: room=%s", roomID))
	}
	if err != nil {
		return domain.QuizInfo{}, fmt.Errorf("select quiz: %w", err)
	}

	qi.RewardPolicy = domain.RewardPolicy(policy)
	qi.Status = domain.QuizStatus(status)
	return qi, nil
}

// LoadQuestions returns the questions in the order of ids. A missing question is an error.
func (s *Store) LoadQuestions(ctx context.Context, ids []string) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, title, option1, option2, option3, option4, answer
FROM questions
WHERE question_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, ids)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		err := r.Scan(&q.QuestionID, &q.Title, &q.Options[0], &q.Options[1], &q.Options[2], &q.Options[3], &q.Answer)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan questions: %w", err)
	}

	return inOrder(ids, found, func(q domain.Question) string { return q.QuestionID }, "question")
}

// LoadPlayers returns the players in the order of ids. A missing player is an error.
func (s *Store) LoadPlayers(ctx context.Context, ids []string) ([]domain.Player, error) {
	const stmt = `
SELECT player_id, username, name, avatar
FROM players
WHERE player_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, ids)
	if err != nil {
		return nil, fmt.Errorf("select players: %w", err)
	}

	found, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Player, error) {
		var p domain.Player
		err := r.Scan(&p.PlayerID, &p.Username, &p.Name, &p.Avatar)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan players: %w", err)
	}

	return inOrder(ids, found, func(p domain.Player) string { return p.PlayerID }, "player")
}

func inOrder[T any](ids []string, found []T, key func(T) string, kind string) ([]T, error) {
	byID := make(map[string]T, len(found))
	for _, v := range found {
		byID[key(v)] = v
	}

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok {
			return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("%s not found: id=%s", kind, id))
		}
		out = append(out, v)
	}
	return out, nil
}

// LoadInventory returns the power-up balances of every given player. Products that are
// not power-ups are ignored and players without any product get empty balances.
func (s *Store) LoadInventory(ctx context.Context, playerIDs []string) (map[string]domain.Balances, error) {
	const stmt = `
SELECT player_id, product_id, count
FROM products
WHERE player_id = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, playerIDs)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	inv := make(map[string]domain.Balances, len(playerIDs))
	for _, id := range playerIDs {
		inv[id] = make(domain.Balances, len(domain.PowerUps))
	}

	for rows.Next() {
		var (
			playerID, productID string
			count               int
		)
		if err := rows.Scan(&playerID, &productID, &count); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}

		kind, ok := domain.ParsePowerUp(productID)
		if !ok {
			continue
		}
		inv[playerID][kind] = count
	}

	return inv, rows.Err()
}

// Decrement spends one power-up of the player. It fails with ResourceExhausted when none is left.
func (s *Store) Decrement(ctx context.Context, playerID string, kind domain.PowerUp) error {
	const stmt = `
UPDATE products SET count = count - 1
WHERE player_id = $1 AND product_id = $2 AND count > 0;`

	tag, err := s.db.Exec(ctx, stmt, playerID, kind.ProductID())
	if err != nil {
		return errors.New(errors.CodeUnavailable, errors.WithCause(err),
			errors.WithMessagef("decrement %s of %s", kind, playerID))
	}

	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("no %s left", kind))
	}

	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, roomID string, status domain.QuizStatus) error {
	const stmt = `UPDATE quizzes SET status = $2 WHERE room_id = $1;`
	return s.updateQuiz(ctx, stmt, roomID, string(status))
}

func (s *Store) UpdatePrizePool(ctx context.Context, roomID string, pool decimal.Decimal) error {
	const stmt = `UPDATE quizzes SET prize_pool = $2 WHERE room_id = $1;`
	return s.updateQuiz(ctx, stmt, roomID, pool)
}

func (s *Store) updateQuiz(ctx context.Context, stmt, roomID string, arg any) error {
	tag, err := s.db.Exec(ctx, stmt, roomID, arg)
	if err != nil {
		return fmt.Errorf("update quiz: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("quiz not found: room=%s", roomID))
	}
	return nil
}

// RefundEntryFee gives the entry fee back to every player as keys.
func (s *Store) RefundEntryFee(ctx context.Context, playerIDs []string, fee decimal.Decimal) error {
	const stmt = `
INSERT INTO products (player_id, product_id, count)
SELECT player_id, $2, $3 FROM UNNEST($1::text[]) AS player_id
ON CONFLICT (player_id, product_id) DO UPDATE SET count = products.count + EXCLUDED.count;`

	if _, err := s.db.Exec(ctx, stmt, playerIDs, entryFeeProduct, fee.IntPart()); err != nil {
		return fmt.Errorf("refund entry fee: %w", err)
	}
	return nil
}

// SaveResult records a finished session: one played game per player, the question
// statistics and the winner payouts. The quiz is marked finished in the same transaction.
func (s *Store) SaveResult(ctx context.Context, r domain.Result) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insGameStmt = `
INSERT INTO played_games (game_id, room_id, player_id, choices, scores, power_ups, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7);`
		insStatStmt = `
INSERT INTO question_stats (room_id, question_id, number, correct, wrong)
VALUES ($1, $2, $3, $4, $5);`
		insPayoutStmt = `
INSERT INTO payouts (payout_id, room_id, player_id, amount, create_time)
VALUES ($1, $2, $3, $4, $5);`
		updQuizStmt = `UPDATE quizzes SET status = $2, end_time = $3 WHERE room_id = $1;`
	)

	now := r.EndTime
	if now.IsZero() {
		now = time.Now()
	}

	b := &pgx.Batch{}
	for _, h := range r.PlayerHistory {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate game ID: %w", err)
		}

		scores := make([]int16, 0, len(h.Scores))
		for _, sc := range h.Scores {
			scores = append(scores, int16(sc))
		}

		powerUps, err := json.Marshal(h.PowerUpLog)
		if err != nil {
			return fmt.Errorf("marshal power-ups of %s: %w", h.PlayerID, err)
		}

		b.Queue(insGameStmt, id, r.RoomID, h.PlayerID, h.Choices, scores, powerUps, now)
	}

	for _, st := range r.QuestionStats {
		b.Queue(insStatStmt, r.RoomID, st.QuestionID, st.Number, st.Correct, st.Wrong)
	}

	for _, w := range r.Winners {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate payout ID: %w", err)
		}
		b.Queue(insPayoutStmt, id, r.RoomID, w.PlayerID, w.Payout, now)
	}

	b.Queue(updQuizStmt, r.RoomID, string(domain.QuizStatusFinished), now)

	if err = tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("insert result of %s: %w", r.RoomID, err)
	}

	return tx.Commit(ctx)
}

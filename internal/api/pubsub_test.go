package api_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/event"
)

func TestAPI_PublishNotifications(t *testing.T) {
	type (
		inputs struct {
			publish func(ctx context.Context, a *api.API) error
		}

		outputs struct {
			received map[string]api.Notification
			raw      map[string]map[string]any
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"quiz starting should notify every player": {
			arrange: func() inputs {
				return inputs{
					publish: func(ctx context.Context, a *api.API) error {
						return a.PublishQuizStarting(ctx, domain.EventQuizStarting{RoomID: "r1", PlayerIDs: []string{"p1", "p2"}})
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.received, 2)
				assert.Equal(t, api.NotifyGameStart, out.received["p1"].Event)
				assert.Equal(t, api.NotifyGameStart, out.received["p2"].Event)
				assert.Equal(t, "r1", out.raw["p1"]["room_id"])
			},
		},

		"quiz cancelled should carry the category": {
			arrange: func() inputs {
				return inputs{
					publish: func(ctx context.Context, a *api.API) error {
						return a.PublishQuizCancelled(ctx, domain.EventQuizCancelled{RoomID: "r1", Category: "science", PlayerIDs: []string{"p1"}})
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.received, 1)
				assert.Equal(t, api.NotifyGameCanceled, out.received["p1"].Event)
				assert.Equal(t, "Quiz cancelled science!", out.raw["p1"]["title"])
			},
		},

		"prize reduced should carry the new pool": {
			arrange: func() inputs {
				return inputs{
					publish: func(ctx context.Context, a *api.API) error {
						return a.PublishPrizeReduced(ctx, domain.EventPrizeReduced{
							RoomID:    "r1",
							PrizePool: decimal.NewFromInt(50),
							PlayerIDs: []string{"p1", "p2"},
						})
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.received, 2)
				assert.Equal(t, api.NotifyPrizeReduced, out.received["p2"].Event)
				assert.Equal(t, "50.00", out.raw["p2"]["prize_pool"])
			},
		},

		"leaderboard should be sent to each winner": {
			arrange: func() inputs {
				return inputs{
					publish: func(ctx context.Context, a *api.API) error {
						return a.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{
							Leaderboard: domain.Leaderboard{
								RoomID: "r1",
								Entries: []domain.LeaderboardEntry{
									{PlayerID: "p1", Payout: 20},
									{PlayerID: "p2", Payout: 10.5},
								},
							},
						})
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.received, 2)
				assert.Equal(t, api.NotifyGameResults, out.received["p1"].Event)

				entries := out.raw["p1"]["entries"].([]any)
				require.Len(t, entries, 2)
				assert.Equal(t, map[string]any{"player_id": "p1", "payout": "20.00"}, entries[0])
				assert.Equal(t, map[string]any{"player_id": "p2", "payout": "10.50"}, entries[1])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			rc := makeRedis(t)
			a := api.New(api.Config{
				Router:       newRouter(),
				EventBus:     event.NewBus(),
				Redis:        rc,
				PubsubPrefix: "test",
			})

			ps := rc.PSubscribe(ctx, "test:user:*")
			defer ps.Close()
			_, err := ps.Receive(ctx)
			require.NoError(t, err, "should subscribe")

			in := tt.arrange()
			require.NoError(t, in.publish(ctx, a))

			out := outputs{
				received: make(map[string]api.Notification),
				raw:      make(map[string]map[string]any),
			}
			ch := ps.Channel()
			for done := false; !done; {
				select {
				case m := <-ch:
					player := m.Channel[len("test:user:"):]

					var n api.Notification
					require.NoError(t, json.Unmarshal([]byte(m.Payload), &n))
					out.received[player] = n
					out.raw[player] = n.Data.(map[string]any)
				case <-time.After(200 * time.Millisecond):
					done = true
				}
			}

			tt.assert(t, out)
		})
	}
}

func makeRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

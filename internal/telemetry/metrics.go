package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizroom"

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rooms_active",
		Help:      "Number of quiz rooms currently running.",
	})

	PlayersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "players_connected",
		Help:      "Number of player connections attached to a room.",
	})

	RoomTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "room_ticks_total",
		Help:      "Clock ticks processed across all rooms.",
	})

	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Submitted answers by result.",
	}, []string{"result"})

	PowerUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "power_ups_total",
		Help:      "Power-up requests by kind and result.",
	}, []string{"kind", "result"})

	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_finished_total",
		Help:      "Sessions that reached the end of their last question, by reward policy.",
	}, []string{"policy"})

	QuizzesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quizzes_scheduled_total",
		Help:      "Scheduled quizzes by outcome at start time.",
	}, []string{"outcome"})
)

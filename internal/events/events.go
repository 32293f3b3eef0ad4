// Package events carries the bot's outbound event model: a typed
// envelope, an async in-process dispatcher and pluggable sinks for
// external pub/sub.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type is the category of an event.
type Type string

const (
	// Bot lifecycle events
	TypeBotStarted    Type = "bot_started"
	TypeBotStopped    Type = "bot_stopped"
	TypeBotPaused     Type = "bot_paused"
	TypeBotResumed    Type = "bot_resumed"
	TypeEmergencyStop Type = "emergency_stop"

	// Strategy lifecycle events
	TypeStrategyRegistered Type = "strategy_registered"
	TypeStrategyStarted    Type = "strategy_started"
	TypeStrategyStopped    Type = "strategy_stopped"
	TypeStrategyPaused     Type = "strategy_paused"
	TypeStrategyResumed    Type = "strategy_resumed"
	TypeStrategyError      Type = "strategy_error"
	TypeStrategyRestarted  Type = "strategy_restarted"

	// Strategy-set transition events
	TypeTransitionStarted   Type = "transition_started"
	TypeTransitionCompleted Type = "transition_completed"
	TypeTransitionCancelled Type = "transition_cancelled"

	// Regime events
	TypeRegimeDetected Type = "regime_detected"
	TypeRegimeChanged  Type = "regime_changed"

	// Health events
	TypeHealthDegraded Type = "health_degraded"
	TypeHealthCritical Type = "health_critical"

	// System events
	TypeError Type = "error"
)

// Event is the wire envelope. Data holds a flat payload; decimal
// quantities are serialized as strings, never floats.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"eventType"`
	Bot       string         `json:"botName"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event envelope with a fresh id and UTC timestamp.
func New(typ Type, bot string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Bot:       bot,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Channel returns the pub/sub channel name for a bot.
func Channel(bot string) string {
	return "events:" + bot
}

// Sink delivers events to an external system.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopSink discards every event. Used when external publishing is
// disabled.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, event Event) error { return nil }
func (NopSink) Close() error                                   { return nil }

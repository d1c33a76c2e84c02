// Package control applies operator commands read from Kafka to the
// orchestrator and the risk manager.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/orchestrator"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// Command names.
const (
	CmdKillSwitch          = "kill_switch"
	CmdLive                = "live"
	CmdAI                  = "ai"
	CmdOptimize            = "optimize"
	CmdPreferOptimized     = "prefer_optimized"
	CmdTriggerOptimization = "trigger_optimization"
	CmdStart               = "start"
	CmdStop                = "stop"
	CmdConfigure           = "configure"
	CmdResetDay            = "reset_day"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingActive  = errors.New(`"active" is required`)
)

// Command is the JSON body of a control record, for example
// {"cmd":"kill_switch","active":true,"reason":"manual"}.
type Command struct {
	Cmd    string `json:"cmd"`
	Active *bool  `json:"active,omitempty"`
	Reason string `json:"reason,omitempty"`

	// configure only
	Symbol     *string `json:"symbol,omitempty"`
	Strategy   *string `json:"strategy,omitempty"`
	DataSource *string `json:"data_source,omitempty"`
	Interval   *string `json:"interval,omitempty"`
}

// Orchestrator is the control surface of the loop.
type Orchestrator interface {
	Start(ctx context.Context)
	Stop()
	Configure(p orchestrator.Patch) error
	ToggleLive(on bool)
	SetAIAnalysisEnabled(on bool)
	SetOptimizationEnabled(on bool)
	SetPreferOptimized(on bool)
	TriggerOptimizationNow()
}

// Risk is the control surface of the risk manager.
type Risk interface {
	SetKillSwitch(active bool, reason string)
	ResetDay()
}

// Handler dispatches commands.
type Handler struct {
	orch Orchestrator
	risk Risk
	// runCtx is handed to Start so a started loop outlives the record.
	runCtx context.Context
	lg     zerolog.Logger
}

// NewHandler creates a Handler. Loops started by a "start" command run
// under runCtx.
func NewHandler(runCtx context.Context, orch Orchestrator, risk Risk) *Handler {
	return &Handler{
		orch:   orch,
		risk:   risk,
		runCtx: runCtx,
		lg:     log.With().Str("component", "control").Logger(),
	}
}

// Apply executes one command.
func (h *Handler) Apply(cmd Command) error {
	active := func() (bool, error) {
		if cmd.Active == nil {
			return false, fmt.Errorf("%s: %w", cmd.Cmd, ErrMissingActive)
		}
		return *cmd.Active, nil
	}

	switch cmd.Cmd {
	case CmdKillSwitch:
		on, err := active()
		if err != nil {
			return err
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "operator command"
		}
		h.risk.SetKillSwitch(on, reason)
	case CmdLive:
		on, err := active()
		if err != nil {
			return err
		}
		h.orch.ToggleLive(on)
	case CmdAI:
		on, err := active()
		if err != nil {
			return err
		}
		h.orch.SetAIAnalysisEnabled(on)
	case CmdOptimize:
		on, err := active()
		if err != nil {
			return err
		}
		h.orch.SetOptimizationEnabled(on)
	case CmdPreferOptimized:
		on, err := active()
		if err != nil {
			return err
		}
		h.orch.SetPreferOptimized(on)
	case CmdTriggerOptimization:
		h.orch.TriggerOptimizationNow()
	case CmdStart:
		h.orch.Start(h.runCtx)
	case CmdStop:
		h.orch.Stop()
	case CmdResetDay:
		h.risk.ResetDay()
	case CmdConfigure:
		p, err := cmd.patch()
		if err != nil {
			return err
		}
		if err := h.orch.Configure(p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Cmd)
	}

	h.lg.Info().Str("cmd", cmd.Cmd).Interface("active", cmd.Active).Msg("control command applied")
	return nil
}

func (c Command) patch() (orchestrator.Patch, error) {
	var p orchestrator.Patch
	p.Symbol = c.Symbol
	if c.Strategy != nil {
		id := strategy.ID(*c.Strategy)
		p.StrategyID = &id
	}
	if c.DataSource != nil {
		src, err := market.ParseSource(*c.DataSource)
		if err != nil {
			return p, err
		}
		p.DataSource = &src
	}
	if c.Interval != nil {
		d, err := time.ParseDuration(*c.Interval)
		if err != nil {
			return p, fmt.Errorf("interval: %w", err)
		}
		p.Interval = &d
	}
	return p, nil
}

// HandleMessage decodes a Kafka record and applies it. It has the shape of
// bus.MessageHandler.
func (h *Handler) HandleMessage(_ context.Context, msg bus.Message) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return fmt.Errorf("decode control record: %w", err)
	}
	if err := h.Apply(cmd); err != nil {
		h.lg.Warn().Err(err).Str("cmd", cmd.Cmd).Msg("control command rejected")
		return err
	}
	return nil
}

// Run consumes control records until ctx is done.
func Run(ctx context.Context, c bus.Consumer, h *Handler) error {
	h.lg.Info().Msg("control consumer running")
	err := c.Consume(ctx, h.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

/**
 * @description
 * The conversation engine: a per-phone stack state machine driven by inbound
 * messages. Every reply is a plain string; errors are logged and turned into
 * user-readable text so the messaging transport never sees a failure.
 */
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stokvel/stokvel-service/internal/app"
	"github.com/stokvel/stokvel-service/internal/domain"
)

// StateStore persists conversation stacks. Every mutation stamps the last interaction.
type StateStore interface {
	GetConversationState(ctx context.Context, phone string) (*domain.ConversationState, error)
	PushState(ctx context.Context, phone, tag string, at time.Time) error
	PopState(ctx context.Context, phone string, at time.Time) error
	ResetState(ctx context.Context, phone, tag string, at time.Time) error
	SetStokvelSelection(ctx context.Context, phone, stokvelID string, at time.Time) error
}

type Engine struct {
	store    StateStore
	table    *Table
	provider StateProvider
	services Services
	bindings map[string]Service
	locker   Locker
	clock    app.Clock
	idle     time.Duration
	logger   *slog.Logger
}

func NewEngine(store StateStore, table *Table, provider StateProvider, services Services, locker Locker, clock app.Clock, idle time.Duration, logger *slog.Logger) *Engine {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Engine{
		store:    store,
		table:    table,
		provider: provider,
		services: services,
		bindings: Bindings(services),
		locker:   locker,
		clock:    clock,
		idle:     idle,
		logger:   logger,
	}
}

// Process handles one inbound message and returns the reply.
func (e *Engine) Process(ctx context.Context, rawPhone, text string) string {
	phone, err := domain.CanonicalPhone(rawPhone)
	if err != nil {
		e.logger.Warn("inbound message from invalid phone number", "from", rawPhone, "error", err)
		return e.table.Messages.NoState
	}

	unlock, err := e.locker.Lock(ctx, phone)
	if err != nil {
		e.logger.Error("failed to lock conversation", "phone", phone, "error", err)
		return e.table.Messages.Error
	}
	defer unlock()

	reply, err := e.process(ctx, phone, text)
	if err != nil {
		return e.errorReply(phone, err)
	}
	return reply
}

func (e *Engine) errorReply(phone string, err error) string {
	switch domain.KindOf(err) {
	case "", domain.KindUpstreamFailure, domain.KindTransient, domain.KindFatal:
		e.logger.Error("conversation action failed", "phone", phone, "error", err)
		return e.table.Messages.Error
	}
	e.logger.Info("conversation action rejected", "phone", phone, "kind", domain.KindOf(err), "error", err)
	if msg, ok := domain.UserMessage(err); ok {
		return msg
	}
	return e.table.Messages.Error
}

func (e *Engine) process(ctx context.Context, phone, text string) (string, error) {
	now := e.clock.Now()
	input := strings.TrimSpace(text)
	command := strings.ToLower(input)

	state, err := e.store.GetConversationState(ctx, phone)
	if err != nil {
		return "", fmt.Errorf("failed to load conversation state: %w", err)
	}
	if len(state.Stack) > 0 && e.idle > 0 && now.Sub(state.LastInteraction) > e.idle {
		e.logger.Info("resetting idle conversation", "phone", phone, "last_interaction", state.LastInteraction)
		if err := e.store.ResetState(ctx, phone, "", now); err != nil {
			return "", err
		}
		state = &domain.ConversationState{PhoneNumber: phone}
	}

	registered, err := e.services.Users.IsRegistered(ctx, phone)
	if err != nil {
		return "", err
	}
	if e.table.IsGreeting(command) {
		return e.greet(ctx, phone, registered, now)
	}

	top, ok := state.Top()
	if !ok {
		return e.table.Messages.NoState, nil
	}
	current, err := e.provider.State(ctx, phone, top)
	if errors.Is(err, ErrUnknownState) {
		e.logger.Warn("dropping conversation with unknown state", "phone", phone, "tag", top)
		if err := e.store.ResetState(ctx, phone, "", now); err != nil {
			return "", err
		}
		return e.table.Messages.NoState, nil
	}
	if err != nil {
		return "", err
	}
	if !registered && !current.Public {
		if err := e.store.ResetState(ctx, phone, "", now); err != nil {
			return "", err
		}
		return e.table.Messages.NoState, nil
	}

	if current.Input != nil {
		return e.collectInput(ctx, phone, state, current, input, now)
	}

	action, ok := current.Actions[command]
	if !ok {
		if err := e.touch(ctx, state, now); err != nil {
			return "", err
		}
		return e.table.Messages.Unrecognized + current.Message, nil
	}

	switch {
	case action.Back:
		return e.back(ctx, phone, state, current, now)
	case action.Response != "":
		if err := e.touch(ctx, state, now); err != nil {
			return "", err
		}
		return action.Response, nil
	case action.Transition != "":
		if action.StokvelID != "" {
			if err := e.store.SetStokvelSelection(ctx, phone, action.StokvelID, now); err != nil {
				return "", err
			}
		}
		next, err := e.provider.State(ctx, phone, action.Transition)
		if err != nil {
			return "", err
		}
		if err := e.store.PushState(ctx, phone, action.Transition, now); err != nil {
			return "", err
		}
		return next.Message, nil
	case action.Input != nil:
		if err := e.store.PushState(ctx, phone, inputTag(current.Tag, command), now); err != nil {
			return "", err
		}
		return action.Input.Message, nil
	default:
		if err := e.touch(ctx, state, now); err != nil {
			return "", err
		}
		return e.invoke(ctx, action.Service, Request{Phone: phone, StokvelID: state.CurrentStokvelSelection})
	}
}

func (e *Engine) greet(ctx context.Context, phone string, registered bool, now time.Time) (string, error) {
	tag := TagUnregistered
	if registered {
		admin, err := e.services.Membership.IsAnyAdmin(ctx, phone)
		if err != nil {
			return "", err
		}
		tag = TagRegistered
		if admin {
			tag = TagRegisteredAdmin
		}
	}
	st, err := e.provider.State(ctx, phone, tag)
	if err != nil {
		return "", err
	}
	if err := e.store.ResetState(ctx, phone, tag, now); err != nil {
		return "", err
	}
	return st.Message, nil
}

// back pops one level. At the root of the stack the current menu is repeated.
func (e *Engine) back(ctx context.Context, phone string, state *domain.ConversationState, current *State, now time.Time) (string, error) {
	if len(state.Stack) < 2 {
		if err := e.touch(ctx, state, now); err != nil {
			return "", err
		}
		return current.Message, nil
	}
	prev, err := e.provider.State(ctx, phone, state.Stack[len(state.Stack)-2])
	if err != nil {
		return "", err
	}
	if err := e.store.PopState(ctx, phone, now); err != nil {
		return "", err
	}
	return prev.Message, nil
}

// collectInput leaves the input sub-state whatever the outcome and only invokes the
// service when the value parses.
func (e *Engine) collectInput(ctx context.Context, phone string, state *domain.ConversationState, current *State, input string, now time.Time) (string, error) {
	if err := e.store.PopState(ctx, phone, now); err != nil {
		return "", err
	}
	req, ok := parseInput(current.Input, input)
	if !ok {
		return current.Input.InvalidMessage, nil
	}
	req.Phone = phone
	req.StokvelID = state.CurrentStokvelSelection
	return e.invoke(ctx, current.Service, req)
}

func (e *Engine) invoke(ctx context.Context, name string, req Request) (string, error) {
	svc, ok := e.bindings[name]
	if !ok {
		return "", domain.Fatal("service is not available").Wrap("conversation.invoke", fmt.Errorf("no binding for %q", name))
	}
	return svc(ctx, req)
}

func (e *Engine) touch(ctx context.Context, state *domain.ConversationState, now time.Time) error {
	return e.store.SetStokvelSelection(ctx, state.PhoneNumber, state.CurrentStokvelSelection, now)
}

func parseInput(spec *InputSpec, raw string) (Request, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Request{}, false
	}
	if spec.Type == InputString {
		return Request{Text: raw}, true
	}

	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return Request{}, false
	}
	if spec.Type == InputInt && (n != math.Trunc(n) || math.Abs(n) > math.MaxInt32) {
		return Request{}, false
	}
	if spec.Min != nil && n < *spec.Min {
		return Request{}, false
	}
	if spec.Max != nil && n > *spec.Max {
		return Request{}, false
	}
	return Request{Text: raw, Number: n}, true
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"whatsapp-concierge/internal/domain"
	"whatsapp-concierge/internal/inbound"
	"whatsapp-concierge/internal/session"
)

// DefaultHandoffDuration is how long the assistant stays silent after a
// handoff.
const DefaultHandoffDuration = 6 * time.Hour

var tracer = otel.Tracer("whatsapp-concierge/internal/usecase")

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamLookup is implemented by parameter stores that can report a missing
// optional parameter without an error.
type ParamLookup interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type KnowledgeSource interface {
	Fetch(ctx context.Context) string
}

type Dispatcher interface {
	Send(ctx context.Context, senderID, text string) error
}

// SessionStore holds per-sender conversation state. Get returns an automated
// conversation for unknown senders; saving an automated conversation removes
// the record.
type SessionStore interface {
	Get(ctx context.Context, senderID string) (domain.Conversation, error)
	Save(ctx context.Context, conv domain.Conversation) error
	Delete(ctx context.Context, senderID string) error
	ListHandoffs(ctx context.Context) ([]string, error)
}

// Config is the deployment surface of the router.
type Config struct {
	ParamPrefix     string
	OperatorIDs     []string
	ResetToken      string
	HandoffDuration time.Duration
}

// Result is the outcome of one inbound message.
type Result struct {
	SenderID  string
	Decision  domain.Decision
	Delivered bool
}

type Option func(*Router)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSenderLimiter guards routing with a per-sender rate limit.
func WithSenderLimiter(l *SenderLimiter) Option {
	return func(r *Router) {
		r.limiter = l
	}
}

// Router is the conversation routing and human-handoff state machine.
type Router struct {
	params      ParamGetter
	llm         LLMClient
	knowledge   KnowledgeSource
	sessions    SessionStore
	out         Dispatcher
	commands    *Interpreter
	locks       *session.Locker
	limiter     *SenderLimiter
	paramPrefix string
	handoff     time.Duration
	now         func() time.Time

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	systemPrompt string
	model        string
	texts        notices
}

func NewRouter(p ParamGetter, llm LLMClient, kb KnowledgeSource, sessions SessionStore, out Dispatcher, cfg Config, opts ...Option) (*Router, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if kb == nil {
		return nil, errors.New("usecase: knowledge source must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if out == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	prefix := strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	if prefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cfg.HandoffDuration <= 0 {
		cfg.HandoffDuration = DefaultHandoffDuration
	}
	r := &Router{
		params:      p,
		llm:         llm,
		knowledge:   kb,
		sessions:    sessions,
		out:         out,
		commands:    NewInterpreter(cfg.OperatorIDs, cfg.ResetToken),
		locks:       session.NewLocker(),
		paramPrefix: prefix,
		handoff:     cfg.HandoffDuration,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// HandleInbound normalizes a raw webhook payload and routes it.
func (r *Router) HandleInbound(ctx context.Context, raw []byte) (Result, error) {
	msg, ok := inbound.Normalize(raw)
	if !ok && !msg.IsSelfEcho && !msg.IsGroup {
		slog.Info("invalid inbound message", "payload_len", len(raw))
	}
	return r.Route(ctx, msg, ok)
}

// Route applies the transition table to one normalized message. State
// commits are never rolled back when a later inference or dispatch step
// fails; such failures return an ErrorUpstream *Error alongside the result.
func (r *Router) Route(ctx context.Context, msg domain.InboundMessage, valid bool) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "router.route")
	defer func() {
		span.SetAttributes(
			attribute.String("route.action", string(res.Decision.Action)),
			attribute.String("route.reason", res.Decision.Reason),
			attribute.Bool("route.delivered", res.Delivered),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res.SenderID = msg.SenderID
	switch {
	case msg.IsSelfEcho:
		return ignored(res, "self_echo"), nil
	case msg.IsGroup:
		return ignored(res, "group"), nil
	case !valid:
		return ignored(res, "invalid"), nil
	}

	// Locks, records and limits are keyed by the canonical id so that
	// "5511...@c.us" and "5511..." are one conversation. Replies go to the
	// id the gateway sent.
	key := canonicalID(msg.SenderID)

	cmd := r.commands.Classify(msg)
	span.SetAttributes(attribute.String("route.command", cmd.Kind.String()))
	if cmd.Kind != CommandManagerReset && !r.limiter.Allow(key, r.now()) {
		slog.Warn("inbound message rate limited", "sender", maskID(key))
		return ignored(res, "rate_limited"), nil
	}

	switch cmd.Kind {
	case CommandManagerReset:
		if err := r.resetHandoffs(ctx, cmd.Target); err != nil {
			return ignored(res, "operator_reset"), err
		}
		return ignored(res, "operator_reset"), nil
	case CommandForeignReset:
		slog.Warn("reset command from non-operator ignored", "sender", maskID(key))
		return ignored(res, "foreign_reset"), nil
	}

	unlock := r.locks.Lock(key)
	defer unlock()

	conv, err := r.sessions.Get(ctx, key)
	if err != nil {
		return res, newError(ErrorInternal, "session_read_error", err)
	}
	now := r.now()

	var decision domain.Decision
	switch {
	case cmd.Kind == CommandHumanRequest:
		if err := r.activateHandoff(ctx, conv, now); err != nil {
			return res, err
		}
		decision = domain.Decision{Action: domain.ActionActivateHandoff, Text: r.notices(ctx).handoff, Reason: "human_request"}
	case conv.HandoffActiveAt(now):
		return ignored(res, "handoff_active"), nil
	case conv.HandoffRecorded():
		if err := r.sessions.Delete(ctx, key); err != nil {
			return res, newError(ErrorInternal, "session_write_error", err)
		}
		slog.Info("handoff expired", "sender", maskID(key), "expired_at", *conv.HandoffExpiresAt)
		decision = domain.Decision{Action: domain.ActionDeactivateHandoff, Text: r.notices(ctx).greeting, Reason: "handoff_expired"}
	default:
		decision, err = r.automatedReply(ctx, conv, msg.Text, now)
		if err != nil {
			return res, err
		}
	}

	res.Decision = decision
	if !decision.Outbound() {
		return res, nil
	}
	if err := r.out.Send(ctx, msg.SenderID, decision.Text); err != nil {
		slog.Error("dispatch failed", "sender", maskID(msg.SenderID), "action", decision.Action, "err", err)
		return res, newError(ErrorUpstream, "dispatch_error", err)
	}
	res.Delivered = true
	slog.Info("reply dispatched", "sender", maskID(msg.SenderID), "action", decision.Action, "reason", decision.Reason)
	return res, nil
}

func (r *Router) automatedReply(ctx context.Context, conv domain.Conversation, text string, now time.Time) (domain.Decision, error) {
	if err := r.ensureConfig(ctx); err != nil {
		return domain.Decision{}, newError(ErrorInternal, "ssm_load_error", err)
	}
	r.cacheMu.RLock()
	pc := promptContext{systemPrompt: r.systemPrompt}
	model := r.model
	r.cacheMu.RUnlock()
	pc.knowledgeBase = r.knowledge.Fetch(ctx)

	raw, err := r.llm.Chat(ctx, model, buildPromptMessages(pc, text))
	if err != nil {
		slog.Error("inference failed", "sender", maskID(conv.SenderID), "err", err)
		return domain.Decision{}, newError(ErrorUpstream, "inference_error", err)
	}

	if IsEscalation(raw) {
		if err := r.activateHandoff(ctx, conv, now); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{Action: domain.ActionActivateHandoff, Text: r.notices(ctx).escalation, Reason: "escalation"}, nil
	}

	reply := SanitizeReply(raw)
	if strings.TrimSpace(reply) == "" {
		slog.Warn("empty reply after sanitizing", "sender", maskID(conv.SenderID), "raw_len", len(raw))
		return domain.Decision{Action: domain.ActionIgnore, Reason: "empty_reply"}, nil
	}
	return domain.Decision{Action: domain.ActionSend, Text: reply, Reason: "reply"}, nil
}

func (r *Router) activateHandoff(ctx context.Context, conv domain.Conversation, now time.Time) error {
	next := domain.HumanAssisted(conv.SenderID, now, now.Add(r.handoff))
	next.Version = conv.Version
	if err := r.sessions.Save(ctx, next); err != nil {
		return newError(ErrorInternal, "session_write_error", err)
	}
	slog.Info("handoff activated", "sender", maskID(conv.SenderID), "expires_at", *next.HandoffExpiresAt)
	return nil
}

// resetHandoffs returns target, or every sender with a recorded handoff when
// target is empty, to automated mode. Senders without a handoff are left
// untouched.
func (r *Router) resetHandoffs(ctx context.Context, target string) error {
	targets := []string{target}
	if target == "" {
		ids, err := r.sessions.ListHandoffs(ctx)
		if err != nil {
			return newError(ErrorInternal, "session_list_error", err)
		}
		targets = ids
	}

	reset := 0
	for _, id := range targets {
		done, err := r.resetOne(ctx, id)
		if err != nil {
			return newError(ErrorInternal, "session_write_error", err)
		}
		if done {
			reset++
		}
	}
	slog.Info("operator reset", "target", maskID(target), "reset", reset)
	return nil
}

func (r *Router) resetOne(ctx context.Context, senderID string) (bool, error) {
	unlock := r.locks.Lock(senderID)
	defer unlock()

	conv, err := r.sessions.Get(ctx, senderID)
	if err != nil {
		return false, err
	}
	if !conv.HandoffRecorded() {
		return false, nil
	}
	if err := r.sessions.Delete(ctx, senderID); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Router) ensureConfig(ctx context.Context) error {
	r.cacheMu.RLock()
	if r.cacheLoaded {
		r.cacheMu.RUnlock()
		return nil
	}
	r.cacheMu.RUnlock()

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cacheLoaded {
		return nil
	}

	systemPrompt, err := r.params.GetParameter(ctx, r.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("usecase: load system prompt: %w", err)
	}
	model, err := r.params.GetParameter(ctx, r.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}
	texts, err := r.loadNotices(ctx)
	if err != nil {
		return err
	}

	r.systemPrompt = strings.TrimSpace(systemPrompt)
	r.model = strings.TrimSpace(model)
	r.texts = texts
	r.cacheLoaded = true
	return nil
}

func (r *Router) loadNotices(ctx context.Context) (notices, error) {
	texts := defaultNotices()
	lookup, ok := r.params.(ParamLookup)
	if !ok {
		return texts, nil
	}
	for name, dst := range map[string]*string{
		"/messages/handoff_notice":    &texts.handoff,
		"/messages/escalation_notice": &texts.escalation,
		"/messages/greeting":          &texts.greeting,
	} {
		v, found, err := lookup.Lookup(ctx, r.paramPrefix+name)
		if err != nil {
			return notices{}, fmt.Errorf("usecase: load %s: %w", strings.TrimPrefix(name, "/messages/"), err)
		}
		if v = strings.TrimSpace(v); found && v != "" {
			*dst = v
		}
	}
	return texts, nil
}

// notices returns the configured fixed texts, falling back to the defaults
// when the parameter store is unavailable so handoff transitions still
// notify the sender.
func (r *Router) notices(ctx context.Context) notices {
	if err := r.ensureConfig(ctx); err != nil {
		slog.Warn("using default notices", "err", err)
		return defaultNotices()
	}
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return r.texts
}

func ignored(res Result, reason string) Result {
	res.Decision = domain.Decision{Action: domain.ActionIgnore, Reason: reason}
	return res
}

// maskID keeps the last four characters of the canonical sender id for logs.
func maskID(id string) string {
	id = canonicalID(id)
	if id == "" {
		return ""
	}
	r := []rune(id)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

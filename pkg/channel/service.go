package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/weft/internal/logging"
	"github.com/aretw0/weft/pkg/domain"
	"github.com/aretw0/weft/pkg/ports"
)

// Fallback is the destination used when no other scope names one.
const Fallback = "console:stdout"

type sessionKey struct{}

// WithSession binds key as the session default for operations under ctx.
func WithSession(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKey{}, key)
}

// SessionKey returns the session default bound to ctx, if any.
func SessionKey(ctx context.Context) string {
	key, _ := ctx.Value(sessionKey{}).(string)
	return key
}

// Resumer is the scheduler side of a reply.
type Resumer interface {
	Resume(ctx context.Context, correlatorID string, payload any) (bool, error)
}

// AskRequest describes one suspension point.
type AskRequest struct {
	// Destination is the explicit per-call key; empty resolves by scope.
	Destination string
	RunID       string
	NodeID      string
	Attempt     int
	Kind        domain.ResumeKind
	Prompt      string
	Choices     []string
	// Inputs are the serialized node inputs needed by the resume stage.
	Inputs json.RawMessage
	// Timeout bounds the wait; zero uses the service default.
	Timeout  time.Duration
	Metadata map[string]string
	// Resumer receives in-process replies (console). May be nil.
	Resumer Resumer
}

// Handle is the suspension point returned by Ask.
type Handle struct {
	CorrelatorID string
	Destination  Key
	Continuation *domain.Continuation
}

// Service resolves channel keys and correlates asks with replies.
// It holds no package-level state; build one per engine.
type Service struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	cache      map[string]Destination
	defaultKey string

	store          ports.ContinuationStore
	defaultTimeout time.Duration
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithDefault sets the process-wide default key.
func WithDefault(key string) Option {
	return func(s *Service) {
		s.defaultKey = key
	}
}

// WithDefaultTimeout sets the wait timeout for asks without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.defaultTimeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator overrides the correlator id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithLogger configures a logger for the Service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithFactory registers a destination factory at construction.
func WithFactory(scheme string, f Factory) Option {
	return func(s *Service) {
		s.factories[scheme] = f
	}
}

// NewService creates a Service registering continuations in store. The
// console scheme is registered on stdin/stdout unless overridden.
func NewService(store ports.ContinuationStore, opts ...Option) *Service {
	s := &Service{
		factories: map[string]Factory{"console": ConsoleFactory(nil, nil)},
		cache:     make(map[string]Destination),
		store:     store,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the continuation store asks register in.
func (s *Service) Store() ports.ContinuationStore { return s.store }

// Register adds or replaces the factory for scheme.
func (s *Service) Register(scheme string, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[scheme] = f
	for k, d := range s.cache {
		if d.Key().Scheme == scheme {
			delete(s.cache, k)
		}
	}
}

// SetDefault replaces the process-wide default key.
func (s *Service) SetDefault(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultKey = key
}

// ResolveKey applies the scope order: explicit, session, process default,
// fallback.
func (s *Service) ResolveKey(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if key := SessionKey(ctx); key != "" {
		return key
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.defaultKey != "" {
		return s.defaultKey
	}
	return Fallback
}

// Resolve returns the destination for the scoped key.
func (s *Service) Resolve(ctx context.Context, explicit string) (Destination, error) {
	raw := s.ResolveKey(ctx, explicit)

	s.mu.RLock()
	d, ok := s.cache[raw]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	key, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache[raw]; ok {
		return d, nil
	}
	factory, ok := s.factories[key.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no destination registered for scheme %q", ErrInvalidKey, key.Scheme)
	}
	d, err = factory(key)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination %s: %w", key, err)
	}
	s.cache[raw] = d
	return d, nil
}

// Send delivers a message to the scoped destination.
func (s *Service) Send(ctx context.Context, explicit string, msg Message) error {
	d, err := s.Resolve(ctx, explicit)
	if err != nil {
		return err
	}
	if !d.Capabilities().Has(CapOutput) {
		return unsupported(d, CapOutput)
	}
	return d.Send(ctx, msg)
}

// SendFile transfers a file to the scoped destination.
func (s *Service) SendFile(ctx context.Context, explicit, name string, r io.Reader) error {
	d, err := s.Resolve(ctx, explicit)
	if err != nil {
		return err
	}
	fs, ok := d.(FileSender)
	if !ok || !d.Capabilities().Has(CapFile) {
		return unsupported(d, CapFile)
	}
	return fs.SendFile(ctx, name, r)
}

// Ask allocates a correlator id, persists the continuation and then delivers
// the prompt. If delivery fails the continuation is removed again.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*Handle, error) {
	d, err := s.Resolve(ctx, req.Destination)
	if err != nil {
		return nil, err
	}

	deliver, err := deliverer(d, req.Kind)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cont := &domain.Continuation{
		CorrelatorID:   s.newID(),
		RunID:          req.RunID,
		NodeID:         req.NodeID,
		Attempt:        req.Attempt,
		DestinationKey: d.Key().String(),
		ResumeKind:     req.Kind,
		Inputs:         req.Inputs,
		Prompt:         req.Prompt,
		Choices:        req.Choices,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	if timeout := s.timeout(req.Timeout); timeout > 0 {
		cont.ExpiresAt = now.Add(timeout)
	}

	if err := s.store.Put(ctx, cont); err != nil {
		return nil, fmt.Errorf("failed to register continuation: %w", err)
	}

	prompt := Prompt{
		CorrelatorID: cont.CorrelatorID,
		RunID:        req.RunID,
		NodeID:       req.NodeID,
		Kind:         req.Kind,
		Text:         req.Prompt,
		Choices:      req.Choices,
	}
	if req.Resumer != nil {
		id := cont.CorrelatorID
		prompt.Reply = func(ctx context.Context, payload any) (bool, error) {
			return req.Resumer.Resume(ctx, id, payload)
		}
	}
	if err := deliver(ctx, prompt); err != nil {
		if derr := s.store.Delete(ctx, cont.CorrelatorID); derr != nil {
			s.logger.Warn("Failed to remove undelivered continuation",
				"correlator_id", cont.CorrelatorID, "err", derr)
		}
		return nil, fmt.Errorf("failed to deliver prompt to %s: %w", d.Key(), err)
	}

	s.logger.Debug("Prompt delivered",
		"run_id", req.RunID, "node_id", req.NodeID,
		"correlator_id", cont.CorrelatorID, "destination", d.Key().String())
	return &Handle{CorrelatorID: cont.CorrelatorID, Destination: d.Key(), Continuation: cont}, nil
}

func (s *Service) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.defaultTimeout
}

func deliverer(d Destination, kind domain.ResumeKind) (func(context.Context, Prompt) error, error) {
	if kind == domain.ResumeChoice {
		c, ok := d.(Chooser)
		if !ok || !d.Capabilities().Has(CapChoice) {
			return nil, unsupported(d, CapChoice)
		}
		return c.Choose, nil
	}
	a, ok := d.(Asker)
	if !ok || !d.Capabilities().Has(CapInput) {
		return nil, unsupported(d, CapInput)
	}
	return a.Ask, nil
}

func unsupported(d Destination, c Capability) error {
	return &domain.UnsupportedCapabilityError{Destination: d.Key().String(), Capability: string(c)}
}

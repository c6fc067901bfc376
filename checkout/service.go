package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/checkout/models"
	"github.com/alovak/cardflow-checkout/internal/cardgen"
	"github.com/alovak/cardflow-checkout/internal/idempotency"
	"github.com/alovak/cardflow-checkout/internal/security"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

// ErrInvalidRequest marks input the service refuses before touching a session.
var ErrInvalidRequest = errors.New("invalid request")

type session struct {
	id        string
	order     models.CreateSession
	createdAt time.Time
	orch      *orchestrator.Orchestrator

	mu         sync.Mutex
	lastActive time.Time
	attempt    *models.Attempt
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Service runs one orchestrator per checkout session.
type Service struct {
	repo    *Repository
	idem    idempotency.Store
	gw      orchestrator.Gateway
	enc     security.Encryptor
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time
	hashKey []byte

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewService(repo *Repository, idem idempotency.Store, gw orchestrator.Gateway, enc security.Encryptor, cfg *Config, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if idem == nil {
		idem = idempotency.NewMemory(cfg.Idempotency.TTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		idem:     idem,
		gw:       gw,
		enc:      enc,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "checkout")),
		now:      time.Now,
		hashKey:  []byte(cfg.PANHashKey),
		sessions: make(map[string]*session),
	}
}

func (s *Service) CreateSession(req models.CreateSession) (*models.Session, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive: %w", ErrInvalidRequest)
	}
	if len(req.Currency) != 3 {
		return nil, fmt.Errorf("currency must be a 3 letter code: %w", ErrInvalidRequest)
	}
	if req.Email == "" {
		return nil, fmt.Errorf("email is required: %w", ErrInvalidRequest)
	}

	now := s.now()
	sess := &session{
		id:         uuid.New().String(),
		order:      req,
		createdAt:  now,
		lastActive: now,
		orch:       orchestrator.New(s.gw, s.enc, nil, s.logger, orchestrator.WithClock(s.now)),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session created", slog.String("session_id", sess.id), slog.String("currency", req.Currency))
	return s.view(sess), nil
}

func (s *Service) GetSession(id string) (*models.Session, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

// SubmitCard starts the payment attempt of a session. A repeated
// idempotencyKey never reaches the gateway twice: the session's current
// result is returned with Replayed set instead.
func (s *Service) SubmitCard(ctx context.Context, sessionID, idempotencyKey string, card models.CardDetails) (*models.StepResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("idempotency key is required: %w", ErrInvalidRequest)
	}
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	key := sessionID + ":" + idempotencyKey
	done, err := s.idem.Reserve(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reserving idempotency key: %w", err)
	}
	if done {
		resp := s.stepResponse(sess, sess.orch.Result())
		resp.Replayed = true
		return resp, nil
	}

	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()

	res, err := sess.orch.SubmitCard(stepCtx, orchestrator.Card{
		PAN:         card.Number,
		CVV:         card.CVV,
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
		Name:        card.CardholderName,
		Amount:      sess.order.Amount,
		Currency:    sess.order.Currency,
		Email:       sess.order.Email,
	})
	if err != nil {
		if merr := s.idem.MarkFailure(ctx, key); merr != nil {
			s.logger.Error("releasing idempotency key", slog.String("session_id", sessionID), slog.Any("err", merr))
		}
		return nil, err
	}
	if err := s.idem.MarkSuccess(ctx, key); err != nil {
		s.logger.Error("completing idempotency key", slog.String("session_id", sessionID), slog.Any("err", err))
	}

	s.recordNewAttempt(ctx, sess, card.Number, res)
	return s.stepResponse(sess, res), nil
}

func (s *Service) SubmitPIN(ctx context.Context, sessionID, pin string) (*models.StepResponse, error) {
	return s.step(ctx, sessionID, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.StepResult, error) {
		return o.SubmitPIN(ctx, pin)
	})
}

func (s *Service) SubmitOTP(ctx context.Context, sessionID, otp string) (*models.StepResponse, error) {
	return s.step(ctx, sessionID, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.StepResult, error) {
		return o.SubmitOTP(ctx, otp)
	})
}

func (s *Service) Verify(ctx context.Context, sessionID string) (*models.StepResponse, error) {
	return s.step(ctx, sessionID, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.StepResult, error) {
		return o.Verify(ctx)
	})
}

// Reset abandons the session's attempt so a new card can be submitted.
func (s *Service) Reset(sessionID string) (*models.StepResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.orch.Reset()
	sess.mu.Lock()
	sess.attempt = nil
	sess.mu.Unlock()
	return s.stepResponse(sess, sess.orch.Result()), nil
}

// AttemptFilter narrows ListAttempts. Zero values match everything.
type AttemptFilter struct {
	SessionID string
	Limit     int
	State     *orchestrator.State
	ErrorKind *orchestrator.ErrorKind
}

func (f AttemptFilter) match(a *models.Attempt) bool {
	if f.State != nil && a.State != f.State.String() {
		return false
	}
	if f.ErrorKind != nil && a.ErrorKind != f.ErrorKind.String() {
		return false
	}
	return true
}

// ListAttempts returns audited attempts, newest first. State and error kind
// are applied after the repository limit.
func (s *Service) ListAttempts(ctx context.Context, filter AttemptFilter) ([]*models.Attempt, error) {
	attempts, err := s.repo.ListAttempts(ctx, filter.SessionID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	if filter.State == nil && filter.ErrorKind == nil {
		return attempts, nil
	}
	out := attempts[:0]
	for _, a := range attempts {
		if filter.match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) GetAttempt(ctx context.Context, id string) (*models.Attempt, error) {
	a, err := s.repo.GetAttempt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attempt %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) step(ctx context.Context, sessionID string, run func(context.Context, *orchestrator.Orchestrator) (orchestrator.StepResult, error)) (*models.StepResponse, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()

	res, err := run(stepCtx, sess.orch)
	if err != nil {
		return nil, err
	}
	s.recordOutcome(ctx, sess, res)
	return s.stepResponse(sess, res), nil
}

func (s *Service) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Gateway.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Gateway.Timeout)
}

// SweepExpired drops sessions untouched for longer than the session TTL.
// Sessions with a step in flight are kept.
func (s *Service) SweepExpired() int {
	cutoff := s.now().Add(-s.cfg.SessionTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.lastActive.Before(cutoff)
		sess.mu.Unlock()
		if idle && sess.orch.State() != orchestrator.Processing {
			sess.orch.Reset()
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", slog.Int("count", removed))
	}
	return removed
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

func (s *Service) session(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *Service) view(sess *session) *models.Session {
	return &models.Session{
		ID:           sess.id,
		Amount:       sess.order.Amount,
		Currency:     sess.order.Currency,
		Email:        sess.order.Email,
		CustomerName: sess.order.CustomerName,
		CreatedAt:    sess.createdAt,
		Result:       sess.orch.Result(),
		Correlation:  sess.orch.Correlation(),
	}
}

func (s *Service) stepResponse(sess *session, res orchestrator.StepResult) *models.StepResponse {
	return &models.StepResponse{
		SessionID:   sess.id,
		StepResult:  res,
		Correlation: sess.orch.Correlation(),
	}
}

// recordNewAttempt writes the audit row of a card submission. Audit failures
// are logged and never change the payment outcome.
func (s *Service) recordNewAttempt(ctx context.Context, sess *session, rawPAN string, res orchestrator.StepResult) {
	pan := cardgen.NormalizePAN(rawPAN)
	hash := cardgen.HashPANHMAC(pan, s.hashKey)
	corr := sess.orch.Correlation()
	now := s.now()

	a := &models.Attempt{
		ID:               uuid.New().String(),
		SessionID:        sess.id,
		TxRef:            corr.TxRef,
		BIN:              cardgen.BIN(pan),
		Last4:            cardgen.LastN(pan, 4),
		PANHash:          hash,
		Amount:           sess.order.Amount,
		Currency:         sess.order.Currency,
		State:            res.State.String(),
		ErrorKind:        res.ErrorKind.String(),
		GatewayReference: corr.GatewayReference,
		TransactionID:    corr.TransactionID,
		AuthModel:        corr.AuthModel,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !cardgen.IsDigits(pan) {
		a.BIN, a.Last4 = "", ""
	}

	sess.mu.Lock()
	sess.attempt = a
	sess.mu.Unlock()

	if err := s.repo.CreateAttempt(ctx, a); err != nil {
		s.logger.Error("recording attempt", slog.String("attempt_id", a.ID), slog.Any("err", err))
	}
}

func (s *Service) recordOutcome(ctx context.Context, sess *session, res orchestrator.StepResult) {
	sess.mu.Lock()
	a := sess.attempt
	if a == nil {
		sess.mu.Unlock()
		return
	}
	corr := sess.orch.Correlation()
	a.State = res.State.String()
	a.ErrorKind = res.ErrorKind.String()
	a.GatewayReference = corr.GatewayReference
	a.TransactionID = corr.TransactionID
	a.UpdatedAt = s.now()
	update := *a
	sess.mu.Unlock()

	if err := s.repo.UpdateAttempt(ctx, &update); err != nil {
		s.logger.Error("updating attempt", slog.String("attempt_id", update.ID), slog.Any("err", err))
	}
	if res.State.Terminal() {
		s.logger.Info("attempt finished",
			slog.String("attempt_id", update.ID),
			slog.String("state", update.State),
			slog.String("error_kind", update.ErrorKind),
		)
	}
}

// Package wizard wires the flow sequencer, capture cycles and session record
// into one event-driven controller per user.
package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/capture"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/metrics"
	"github.com/example/kyc-flow/internal/reference"
	"github.com/example/kyc-flow/internal/repository"
	"github.com/example/kyc-flow/internal/retry"
	"github.com/example/kyc-flow/internal/session"
)

const (
	defaultPreviewTTL = 15 * time.Minute
	defaultStatusTTL  = 30 * time.Minute
)

// Dependencies are the collaborators of the wizard service. Templates and
// Classifier are required; the rest are optional.
type Dependencies struct {
	Templates  TemplateSource
	Classifier capture.Classifier
	Submitter  Submitter
	OCR        OCRExtractor
	Reference  *reference.Table
	Previews   session.PreviewStore
	Attempts   AttemptRecorder
	Status     Cache
	Metrics    *metrics.Metrics
	StatusTTL  time.Duration
}

// Service holds one wizard Session per user.
type Service struct {
	deps   Dependencies
	logger *zap.Logger
	policy retry.Policy

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService constructs a new wizard service.
func NewService(deps Dependencies, logger *zap.Logger) *Service {
	if deps.Reference == nil {
		deps.Reference = reference.Default()
	}
	if deps.Previews == nil {
		deps.Previews = session.NewPreviewCache(defaultPreviewTTL)
	}
	if deps.StatusTTL <= 0 {
		deps.StatusTTL = defaultStatusTTL
	}
	return &Service{
		deps:     deps,
		logger:   logger.Named("wizard"),
		policy:   retry.DefaultPolicy(),
		sessions: make(map[string]*Session),
	}
}

// Reference returns the reference table the service resolves selections against.
func (s *Service) Reference() *reference.Table { return s.deps.Reference }

// Previews returns the preview store.
func (s *Service) Previews() session.PreviewStore { return s.deps.Previews }

// Start returns the user's wizard, creating it when absent. The flow template
// is fetched once per wizard; an empty template is not an error.
func (s *Service) Start(ctx context.Context, userID string) (*Session, error) {
	if sess, err := s.Get(userID); err == nil {
		return sess, nil
	}

	opLogger := logging.WithOperation(s.logger, "wizard.start", userID)
	tmpl, err := s.deps.Templates.FetchFlowTemplate(ctx, userID)
	if err != nil {
		wrapped := logging.NewOperationError("wizard.fetch_template", userID, err)
		opLogger.Error("failed to fetch flow template", zap.Error(wrapped))
		return nil, wrapped
	}
	if len(tmpl.Flow) == 0 {
		opLogger.Warn("flow template is empty")
	}

	s.mu.Lock()
	if existing, ok := s.sessions[userID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	sess := newSession(s, userID, tmpl.Flow)
	s.sessions[userID] = sess
	s.mu.Unlock()

	s.deps.Metrics.SessionOpened()
	opLogger.Info("wizard started", zap.String("verification_id", sess.VerificationID()), zap.Strings("steps", sess.View().Steps))
	s.storeSnapshot(ctx, sess.snapshot())
	return sess, nil
}

// Get returns the user's wizard.
func (s *Service) Get(userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Close discards the user's wizard and releases its resources.
func (s *Service) Close(userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	delete(s.sessions, userID)
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.Close()
	s.deps.Metrics.SessionClosed()
}

// Shutdown closes every wizard and waits for background work.
func (s *Service) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
		s.deps.Metrics.SessionClosed()
	}
	for _, sess := range sessions {
		sess.Wait()
	}
}

// Lookup returns the status of a verification session owned by userID, from
// the Redis snapshot or, on a cache miss, from the persisted attempts.
func (s *Service) Lookup(ctx context.Context, userID, verificationID string) (*StatusSnapshot, error) {
	opLogger := logging.WithOperation(s.logger, "wizard.lookup", verificationID)

	if s.deps.Status != nil {
		cached, err := s.cacheGet(ctx, verificationID)
		switch {
		case err == nil:
			var snapshot StatusSnapshot
			if err := json.Unmarshal([]byte(cached), &snapshot); err != nil {
				opLogger.Warn("failed to decode cached status", zap.Error(err))
			} else if snapshot.UserID == userID {
				return &snapshot, nil
			} else {
				return nil, ErrVerificationAbsent
			}
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if s.deps.Attempts == nil {
		return nil, ErrVerificationAbsent
	}
	attempts, err := s.deps.Attempts.ListByVerification(ctx, verificationID)
	if err != nil {
		return nil, err
	}
	snapshot := &StatusSnapshot{UserID: userID, VerificationID: verificationID}
	for _, a := range attempts {
		if a.UserID != userID {
			continue
		}
		snapshot.Attempts = append(snapshot.Attempts, AttemptView{
			Step:       a.Step,
			State:      a.State,
			ErrorKind:  a.ErrorKind,
			Reason:     a.Reason,
			DurationMs: a.DurationMs,
			CreatedAt:  a.CreatedAt,
		})
		snapshot.UpdatedAt = a.CreatedAt
	}
	if len(snapshot.Attempts) == 0 {
		return nil, ErrVerificationAbsent
	}
	return snapshot, nil
}

func statusKey(verificationID string) string {
	return fmt.Sprintf("verification:%s", verificationID)
}

func (s *Service) cacheGet(ctx context.Context, verificationID string) (string, error) {
	var result string
	err := s.policy.Do(ctx, s.logger, "cache.get.status", verificationID, func() error {
		value, err := s.deps.Status.Get(ctx, statusKey(verificationID))
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *Service) storeSnapshot(ctx context.Context, snapshot StatusSnapshot) {
	if s.deps.Status == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	serialized, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("failed to serialize status snapshot", zap.Error(err))
		return
	}
	err = s.policy.Do(ctx, s.logger, "cache.set.status", snapshot.VerificationID, func() error {
		return s.deps.Status.Set(ctx, statusKey(snapshot.VerificationID), string(serialized), s.deps.StatusTTL)
	})
	if err != nil {
		logging.WithOperation(s.logger, "wizard.store_snapshot", snapshot.VerificationID).
			Warn("failed to cache status snapshot", zap.Error(err))
	}
}

func (s *Service) recordAttempt(ctx context.Context, userID string, out *capture.Outcome) {
	if s.deps.Attempts == nil {
		return
	}
	attempt := &repository.CaptureAttempt{
		VerificationID: out.VerificationID,
		UserID:         userID,
		Step:           out.Step.ID(),
		State:          string(out.State),
		DurationMs:     out.Duration.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if out.Failure != nil {
		attempt.ErrorKind = string(out.Failure.Kind)
		attempt.Reason = string(out.Failure.Reason)
		attempt.Message = out.Failure.Message
	}
	if err := s.deps.Attempts.SaveAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		logging.WithOperation(s.logger, "wizard.record_attempt", out.VerificationID).
			Error("failed to persist capture attempt", zap.Error(err))
	}
}

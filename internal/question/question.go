// Package question holds clarification questions raised during a run
// until an operator answers them or they time out.
package question

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/question"

// Question is a clarification request raised while preparing a run.
type Question struct {
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	ItemID  string    `json:"item_id,omitempty"`
	Text    string    `json:"text"`
	AskedAt time.Time `json:"asked_at"`
}

// Answer resolves a question. Unanswered marks a timeout: the caller
// proceeds with its default interpretation instead of failing.
type Answer struct {
	QuestionID string    `json:"question_id"`
	Value      string    `json:"value,omitempty"`
	Unanswered bool      `json:"unanswered"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Store tracks outstanding questions. Each question is registered
// once, waited on by exactly one caller, and removed on resolution.
type Store struct {
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[string]*entry
	outstand metric.Int64UpDownCounter
}

type entry struct {
	question Question
	answered chan Answer
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.GetMeterProvider().Meter(instrumentationName)
	outstand, err := meter.Int64UpDownCounter("remedyd.questions.outstanding",
		metric.WithDescription("Questions awaiting an answer"))
	if err != nil {
		return nil, fmt.Errorf("create outstanding counter: %w", err)
	}
	return &Store{
		logger:   logger,
		pending:  make(map[string]*entry),
		outstand: outstand,
	}, nil
}

// Register records a question and returns its generated ID.
func (s *Store) Register(q Question) string {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now()
	}

	s.mu.Lock()
	s.pending[q.ID] = &entry{
		question: q,
		answered: make(chan Answer, 1),
	}
	s.mu.Unlock()

	s.outstand.Add(context.Background(), 1)
	s.logger.Info("question registered",
		zap.String("question_id", q.ID),
		zap.String("run_id", q.RunID),
		zap.String("item_id", q.ItemID))
	return q.ID
}

// Wait blocks until the question is answered, the timeout elapses, or
// the context is cancelled. A timeout is not an error: it yields an
// Answer with Unanswered set, and the question is withdrawn.
func (s *Store) Wait(ctx context.Context, id string, timeout time.Duration) (Answer, error) {
	s.mu.Lock()
	e, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		return Answer{}, fmt.Errorf("unknown question %q", id)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ans := <-e.answered:
		return ans, nil
	case <-timer.C:
		s.remove(id)
		s.logger.Warn("question timed out",
			zap.String("question_id", id),
			zap.Duration("timeout", timeout))
		return Answer{QuestionID: id, Unanswered: true, AnsweredAt: time.Now()}, nil
	case <-ctx.Done():
		s.remove(id)
		return Answer{}, ctx.Err()
	}
}

// Answer resolves an outstanding question. Answering an unknown or
// already resolved question does nothing.
func (s *Store) Answer(id, value string) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.answered <- Answer{QuestionID: id, Value: value, AnsweredAt: time.Now()}
	s.outstand.Add(context.Background(), -1)
	s.logger.Info("question answered", zap.String("question_id", id))
}

// Pending returns a snapshot of unresolved questions.
func (s *Store) Pending() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Question, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.question)
	}
	return out
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		s.outstand.Add(context.Background(), -1)
	}
}

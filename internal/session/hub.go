// Package session streams assessments to dashboard viewers. The hub fans
// each patient's assessments out to every subscribed session; sessions
// never run the pipeline themselves.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"risktrajectory/internal/model"
	"risktrajectory/internal/telemetry"
)

type Subscription struct {
	ID        string
	PatientID string
	queue     *Queue
}

// Queue exposes the buffered assessments for this subscription.
func (s *Subscription) Queue() *Queue {
	return s.queue
}

type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
	logger    *slog.Logger
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

func (h *Hub) Subscribe(patientID string) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), PatientID: patientID, queue: NewQueue(h.queueSize)}
	h.mu.Lock()
	if h.subs[patientID] == nil {
		h.subs[patientID] = make(map[*Subscription]struct{})
	}
	h.subs[patientID][sub] = struct{}{}
	h.mu.Unlock()
	telemetry.ActiveSessions.Inc()
	return sub
}

// Unsubscribe removes sub and closes its queue. Calling it twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	set, ok := h.subs[sub.PatientID]
	if ok {
		if _, member := set[sub]; !member {
			ok = false
		}
	}
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.PatientID)
		}
	}
	h.mu.Unlock()
	if ok {
		sub.queue.Close()
		telemetry.ActiveSessions.Dec()
	}
}

// Publish hands a to every subscriber of its patient without blocking.
func (h *Hub) Publish(a model.Assessment) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[a.PatientID] {
		if sub.queue.Push(a) {
			telemetry.SessionDrops.Inc()
			if h.logger != nil {
				h.logger.Debug("session queue full, dropped oldest", "patient_id", a.PatientID, "session_id", sub.ID)
			}
		}
	}
}

func (h *Hub) SubscriberCount(patientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[patientID])
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

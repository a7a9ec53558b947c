package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/unclebandit/newsletter-delivery/internal/model"
)

// SubscriberRepositoryInterface is the read-only view of the newsletter subscription list
type SubscriberRepositoryInterface interface {
	ListActive(ctx context.Context) ([]model.Subscriber, error)
}

// SubscriberRepository reads active subscribers from Postgres
type SubscriberRepository struct {
	DB *sql.DB
}

// ListActive fetches every active subscriber in subscription order
func (r *SubscriberRepository) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	query := `
        SELECT email, preferred_language
        FROM newsletter_subscribers
        WHERE status = 'active'
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.Email, &s.PreferredLanguage); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

// StaticSubscriberSource serves a fixed list, used with the memory storage driver
type StaticSubscriberSource struct {
	mu          sync.RWMutex
	subscribers []model.Subscriber
}

func NewStaticSubscriberSource(subscribers ...model.Subscriber) *StaticSubscriberSource {
	return &StaticSubscriberSource{subscribers: subscribers}
}

func (s *StaticSubscriberSource) Set(subscribers []model.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append([]model.Subscriber(nil), subscribers...)
}

func (s *StaticSubscriberSource) ListActive(context.Context) ([]model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Subscriber{}, s.subscribers...), nil
}

var (
	_ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
	_ SubscriberRepositoryInterface = (*StaticSubscriberSource)(nil)
)

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meterable/meterable/db"
	"github.com/meterable/meterable/normalize"
)

// MeteringService maintains the monthly billing document and emits outbound
// metering events for metered tiers.
type MeteringService struct {
	Store   db.DocumentStore
	Redis   *redis.Client // optional; nil disables event emission
	Channel string
}

// NewMeteringService creates a new MeteringService
func NewMeteringService(store db.DocumentStore, rdb *redis.Client, channel string) *MeteringService {
	if channel == "" {
		channel = "metering.events"
	}
	return &MeteringService{Store: store, Redis: rdb, Channel: channel}
}

// MeteringEvent is the fire-and-forget message published when an app or user
// is first metered within a billing period.
type MeteringEvent struct {
	Period string    `json:"period"`
	OrgID  string    `json:"org_id"`
	AppKey string    `json:"app_key,omitempty"`
	Email  string    `json:"email,omitempty"`
	At     time.Time `json:"at"`
}

// RecordUsage applies one usage occurrence to the monthly billing document.
// The per-period registration of an app/user is idempotent (first writer
// records first-seen); the counters increment on every occurrence. A new
// registration additionally triggers the outbound metering event; emission
// failure never affects the committed counter update.
func (s *MeteringService) RecordUsage(ctx context.Context, orgID string, app db.App, email string, at time.Time) error {
	period := db.BillingPeriod(at)
	appKey := normalize.Key(app.ID) + "@" + normalize.Key(app.Publisher)
	caller := normalize.Email(email)

	var newApp, newUser bool
	err := db.Update(ctx, s.Store, db.BillingDoc(period), func(current []byte) ([]byte, error) {
		month := db.BillingMonth{Period: period}
		if current != nil {
			if err := json.Unmarshal(current, &month); err != nil {
				return nil, fmt.Errorf("decode billing month: %w", err)
			}
		}
		if month.Apps == nil {
			month.Apps = make(map[string]*db.BillingCounter)
		}
		if month.Users == nil {
			month.Users = make(map[string]*db.BillingCounter)
		}

		newApp = bump(month.Apps, appKey, at)
		newUser = false
		if caller != "" {
			newUser = bump(month.Users, caller, at)
		}
		return json.Marshal(month)
	})
	if err != nil {
		return err
	}

	if newApp || newUser {
		s.emit(ctx, MeteringEvent{
			Period: period,
			OrgID:  orgID,
			AppKey: appKey,
			Email:  caller,
			At:     at,
		})
	}
	return nil
}

// bump registers or increments one counter; reports whether it was new.
func bump(counters map[string]*db.BillingCounter, key string, at time.Time) bool {
	if c, ok := counters[key]; ok {
		c.Count++
		return false
	}
	counters[key] = &db.BillingCounter{FirstSeen: at, Count: 1}
	return true
}

// emit publishes the metering event best-effort.
func (s *MeteringService) emit(ctx context.Context, ev MeteringEvent) {
	if s.Redis == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("metering: marshal event: %v", err)
		return
	}
	if err := s.Redis.Publish(ctx, s.Channel, payload).Err(); err != nil {
		log.Printf("metering: publish event: %v", err)
	}
}

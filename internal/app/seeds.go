package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"socialpilot/internal/automation"
	"socialpilot/internal/config"
	"socialpilot/internal/registry"
	logx "socialpilot/pkg/logx"
)

// seedCredentials serves credentials declared in the config file. It is
// swapped wholesale on reload.
type seedCredentials struct {
	mu    sync.RWMutex
	creds map[string]automation.Credentials
}

func newSeedCredentials(users []config.UserSeed) *seedCredentials {
	s := &seedCredentials{}
	s.set(users)
	return s
}

func (s *seedCredentials) set(users []config.UserSeed) {
	m := make(map[string]automation.Credentials, len(users))
	for _, u := range users {
		c := u.Creds()
		m[c.UserID] = c
	}
	s.mu.Lock()
	s.creds = m
	s.mu.Unlock()
}

func (s *seedCredentials) Credentials(_ context.Context, userID string) (automation.Credentials, error) {
	s.mu.RLock()
	c, ok := s.creds[userID]
	s.mu.RUnlock()
	if !ok {
		return automation.Credentials{}, fmt.Errorf("credentials for %s: %w", userID, automation.ErrNotFound)
	}
	return c, nil
}

// applySeeds registers every seed through the registry and disables the
// kinds a seed no longer declares. prev is the previously applied seed list.
// A failing seed is logged and does not block the others.
func applySeeds(ctx context.Context, reg *registry.Registry, prev, next []config.UserSeed, log logx.Logger) error {
	var errs []error
	current := make(map[string]config.UserSeed, len(next))
	for _, u := range next {
		if p, ok := u.PostConfig(); ok {
			if _, err := reg.SetAutoPost(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("seed %s post: %w", u.ID, err))
			}
		}
		if r, ok := u.ReplyConfig(); ok {
			if _, err := reg.SetAutoReply(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("seed %s reply: %w", u.ID, err))
			}
		}
		current[u.Creds().UserID] = u
	}

	for _, old := range prev {
		id := old.Creds().UserID
		now, still := current[id]
		if old.Post != nil && (!still || now.Post == nil) {
			disableSeed(ctx, reg, id, automation.KindPost, log, &errs)
		}
		if old.Reply != nil && (!still || now.Reply == nil) {
			disableSeed(ctx, reg, id, automation.KindReply, log, &errs)
		}
	}
	for _, err := range errs {
		log.Warn("seed not applied", logx.Err(err))
	}
	return errors.Join(errs...)
}

func disableSeed(ctx context.Context, reg *registry.Registry, userID string, kind automation.Kind, log logx.Logger, errs *[]error) {
	err := reg.Disable(ctx, userID, kind)
	switch {
	case err == nil:
		log.Info("seed removed", logx.User(userID), logx.String("kind", string(kind)))
	case errors.Is(err, automation.ErrNotFound):
	default:
		*errs = append(*errs, fmt.Errorf("seed %s disable %s: %w", userID, kind, err))
	}
}

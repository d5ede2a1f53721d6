package handlers

import (
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/ircad-africa/sofia-web/internal/assistant"
	"github.com/ircad-africa/sofia-web/internal/models"
)

// liveSession is an assistant session hosted for one browser tab.
type liveSession struct {
	session *assistant.Session
	bridge  *bridge
	owner   string

	mu       sync.Mutex
	rendered map[string]template.HTML
}

// html renders message content once; messages never change after they are appended.
func (ls *liveSession) html(msg models.Message) (template.HTML, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if h, ok := ls.rendered[msg.ID]; ok {
		return h, nil
	}
	h, err := models.RenderMarkdown(msg.Content)
	if err != nil {
		return "", err
	}
	ls.rendered[msg.ID] = h
	return h, nil
}

// prune drops rendered content for messages no longer in msgs.
func (ls *liveSession) prune(msgs []models.Message) {
	keep := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		keep[msg.ID] = struct{}{}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	for id := range ls.rendered {
		if _, ok := keep[id]; !ok {
			delete(ls.rendered, id)
		}
	}
}

// registry keeps live sessions for an idle TTL. Every access extends it; eviction closes the session.
type registry struct {
	cache *cache.Cache

	logger *slog.Logger
}

func newRegistry(ttl time.Duration, logger *slog.Logger) *registry {
	c := cache.New(ttl, ttl/2)
	c.OnEvicted(func(id string, v any) {
		ls, ok := v.(*liveSession)
		if !ok {
			return
		}
		ls.bridge.close()
		if err := ls.session.Close(); err != nil {
			logger.Error("Failed to close session", slog.String("sessionID", id), slog.String(errLoggerKey, err.Error()))
			return
		}
		logger.Info("Session closed", slog.String("sessionID", id))
	})
	return &registry{cache: c, logger: logger}
}

func (r *registry) add(ls *liveSession) {
	r.cache.Set(ls.session.ID(), ls, cache.DefaultExpiration)
}

// get returns the session with the given id if it belongs to owner, and extends its lifetime.
func (r *registry) get(id, owner string) (*liveSession, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	ls := v.(*liveSession)
	if ls.owner != owner {
		return nil, false
	}
	r.cache.Set(id, ls, cache.DefaultExpiration)
	return ls, true
}

func (r *registry) remove(id string) {
	r.cache.Delete(id)
}

func (r *registry) len() int {
	return r.cache.ItemCount()
}

func (r *registry) closeAll() {
	for id := range r.cache.Items() {
		r.cache.Delete(id)
	}
}

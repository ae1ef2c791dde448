package voice

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper is the safety net for cleanup paths that never fired: it sweeps
// the registry on a fixed interval, leaving users whose transport is dead
// and releasing stream pairs whose owner is gone. Entries with a live
// connection are never touched.
type Reaper struct {
	reg      *Registry
	interval time.Duration
}

func NewReaper(reg *Registry, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{reg: reg, interval: interval}
}

func (p *Reaper) Run(ctx context.Context) {
	log.Info().Str("module", "voice.reaper").Dur("interval", p.interval).Msg("reaper started")
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "voice.reaper").Msg("reaper stopped")
			return
		case <-t.C:
			p.sweep()
		}
	}
}

func (p *Reaper) sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Any("panic", rec).Str("module", "voice.reaper").Msg("sweep recovered")
		}
	}()

	for _, uid := range p.reg.deadConns() {
		log.Info().Str("module", "voice.reaper").Int64("user", int64(uid)).
			Msg("reaping dead connection")
		p.reg.Leave(uid)
	}
	for _, key := range p.reg.orphanStreams() {
		log.Info().Str("module", "voice.reaper").
			Int64("user", int64(key.User)).Int64("channel", int64(key.Channel)).
			Msg("releasing orphan stream pair")
		p.reg.releaseStream(key)
	}
}

package services

import (
	"sync/atomic"

	"flashlive/internal/core/domain"
	"flashlive/internal/core/ports"

	"go.uber.org/zap"
)

// RosterSnapshot is an immutable view of the roster. Participants are in
// observation order.
type RosterSnapshot struct {
	Participants []domain.Participant
	Broadcaster  *domain.Participant
	ViewerCount  int
}

func (s RosterSnapshot) Total() int {
	return len(s.Participants)
}

// RosterTracker derives the participant set and the active broadcaster from
// session events. It runs on the event loop; Latest may be read anywhere.
type RosterTracker struct {
	logger *zap.SugaredLogger

	participants map[string]*domain.Participant
	order        []string
	broadcaster  string

	onChange            []func(RosterSnapshot)
	onBroadcasterChange []func(prev, next *domain.Participant)

	latest atomic.Pointer[RosterSnapshot]
}

func NewRosterTracker(logger *zap.SugaredLogger) *RosterTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &RosterTracker{
		logger:       logger,
		participants: make(map[string]*domain.Participant),
	}
	r.latest.Store(&RosterSnapshot{})
	return r
}

// OnChange and OnBroadcasterChange must be registered before the session
// starts.
func (r *RosterTracker) OnChange(fn func(RosterSnapshot)) {
	r.onChange = append(r.onChange, fn)
}

func (r *RosterTracker) OnBroadcasterChange(fn func(prev, next *domain.Participant)) {
	r.onBroadcasterChange = append(r.onBroadcasterChange, fn)
}

func (r *RosterTracker) OnSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case EventConnected:
		r.clear()
		if ev.Local != nil {
			r.upsert(*ev.Local, true)
		}
		for _, p := range ev.Participants {
			r.upsert(p, false)
		}
	case EventParticipantJoined, EventParticipantUpdated:
		if ev.Participant == nil {
			return
		}
		r.upsert(*ev.Participant, false)
	case EventParticipantLeft:
		if ev.Participant == nil {
			return
		}
		r.remove(ev.Participant.Identity)
	case EventTrackPublished, EventTrackSubscribed, EventLocalTrackPublished, EventTrackUnpublished:
		if ev.Participant == nil || ev.Track == nil || ev.Track.Kind != domain.TrackKindVideo {
			return
		}
		p, ok := r.participants[ev.Participant.Identity]
		if !ok {
			return
		}
		published := ev.Kind != EventTrackUnpublished
		if p.HasPublishedVideo == published {
			return
		}
		p.HasPublishedVideo = published
	case EventStateChanged:
		if !ev.State.Terminal() || len(r.order) == 0 {
			return
		}
		r.clear()
	default:
		return
	}
	r.recompute()
}

func (r *RosterTracker) clear() {
	r.participants = make(map[string]*domain.Participant)
	r.order = nil
}

// upsert parses role metadata once, at this boundary. A bad document only
// demotes the affected participant to viewer.
func (r *RosterTracker) upsert(info ports.ParticipantInfo, local bool) {
	if info.Identity == "" {
		return
	}
	meta, err := domain.ParseParticipantMetadata(info.Metadata)
	if err != nil {
		r.logger.Warnw("invalid participant metadata, treating as viewer",
			"identity", info.Identity,
			"error", err,
		)
	}

	name := info.Name
	if name == "" {
		name = meta.Name
	}

	p, exists := r.participants[info.Identity]
	if !exists {
		p = &domain.Participant{Identity: info.Identity, JoinedAt: info.JoinedAt}
		r.participants[info.Identity] = p
		r.order = append(r.order, info.Identity)
	}
	p.Name = name
	p.Metadata = info.Metadata
	p.Role = meta.Role
	p.IsLocal = p.IsLocal || local
	if hasVideo(info.Tracks) {
		p.HasPublishedVideo = true
	}
}

func (r *RosterTracker) remove(identity string) {
	if _, ok := r.participants[identity]; !ok {
		return
	}
	delete(r.participants, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// recompute picks the first observed host as broadcaster and publishes a new
// snapshot.
func (r *RosterTracker) recompute() {
	var prev *domain.Participant
	if old := r.latest.Load(); old != nil && old.Broadcaster != nil {
		copied := *old.Broadcaster
		prev = &copied
	}

	next := ""
	hosts := 0
	for _, id := range r.order {
		if r.participants[id].Role == domain.RoleHost {
			hosts++
			if next == "" {
				next = id
			}
		}
	}
	if hosts > 1 {
		r.logger.Warnw("multiple participants claim the host role, keeping the first observed",
			"broadcaster", next,
			"hosts", hosts,
		)
	}

	snap := r.buildSnapshot(next)
	r.latest.Store(&snap)

	changed := r.broadcaster != next
	r.broadcaster = next

	for _, fn := range r.onChange {
		fn(snap)
	}
	if changed {
		r.logger.Infow("broadcaster changed", "previous", identityOf(prev), "current", next)
		var current *domain.Participant
		if snap.Broadcaster != nil {
			copied := *snap.Broadcaster
			current = &copied
		}
		for _, fn := range r.onBroadcasterChange {
			fn(prev, current)
		}
	}
}

func (r *RosterTracker) buildSnapshot(broadcaster string) RosterSnapshot {
	snap := RosterSnapshot{Participants: make([]domain.Participant, 0, len(r.order))}
	for _, id := range r.order {
		p := *r.participants[id]
		snap.Participants = append(snap.Participants, p)
		if id == broadcaster {
			b := p
			snap.Broadcaster = &b
		}
	}
	snap.ViewerCount = len(snap.Participants)
	if snap.Broadcaster != nil {
		snap.ViewerCount--
	}
	return snap
}

func identityOf(p *domain.Participant) string {
	if p == nil {
		return ""
	}
	return p.Identity
}

// Participant must be called on the loop.
func (r *RosterTracker) Participant(identity string) (domain.Participant, bool) {
	p, ok := r.participants[identity]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// RoleOf returns viewer for unknown identities.
func (r *RosterTracker) RoleOf(identity string) domain.Role {
	if p, ok := r.participants[identity]; ok {
		return p.Role
	}
	return domain.RoleViewer
}

// Snapshot must be called on the loop.
func (r *RosterTracker) Snapshot() RosterSnapshot {
	return r.buildSnapshot(r.broadcaster)
}

// Latest returns the most recently published snapshot and is safe from any
// goroutine.
func (r *RosterTracker) Latest() RosterSnapshot {
	return *r.latest.Load()
}

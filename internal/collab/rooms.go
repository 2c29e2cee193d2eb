package collab

import (
	"sort"

	"go.uber.org/zap"

	"github.com/charlesng35/boardroom/pkg/metrics"
)

// rooms tracks which channels receive a session's broadcasts.
type rooms struct {
	members map[string]map[string]Channel
	log     *zap.Logger
}

func newRooms(log *zap.Logger) *rooms {
	return &rooms{
		members: make(map[string]map[string]Channel),
		log:     log,
	}
}

func (r *rooms) join(sessionID string, ch Channel) {
	room, ok := r.members[sessionID]
	if !ok {
		room = make(map[string]Channel)
		r.members[sessionID] = room
	}
	room[ch.ID()] = ch
}

func (r *rooms) leave(sessionID string, ch Channel) {
	room, ok := r.members[sessionID]
	if !ok {
		return
	}
	delete(room, ch.ID())
	if len(room) == 0 {
		delete(r.members, sessionID)
	}
}

func (r *rooms) drop(sessionID string) {
	delete(r.members, sessionID)
}

func (r *rooms) contains(sessionID string, ch Channel) bool {
	_, ok := r.members[sessionID][ch.ID()]
	return ok
}

// broadcast sends evt to every channel in the room except the one whose id is
// exclude. An empty exclude delivers to everyone. It returns the number of
// channels the event was queued for.
func (r *rooms) broadcast(sessionID string, evt Event, exclude string) int {
	room := r.members[sessionID]
	if len(room) == 0 {
		return 0
	}

	ids := make([]string, 0, len(room))
	for id := range room {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	delivered := 0
	for _, id := range ids {
		if err := room[id].Send(evt); err != nil {
			r.log.Debug("broadcast delivery failed",
				zap.String("session_id", sessionID),
				zap.String("channel_id", id),
				zap.String("event", evt.Name),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	metrics.Broadcasts.WithLabelValues(evt.Name).Inc()
	return delivered
}

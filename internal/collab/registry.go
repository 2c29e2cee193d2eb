package collab

// Connection binds a user's live channel to the session it is currently in.
// SessionID is empty until the channel joins a session.
type Connection struct {
	UserID    string
	SessionID string
	Channel   Channel
}

// registry keeps exactly one live channel per user. It is not safe for
// concurrent use; the Service serialises access.
type registry struct {
	byUser    map[string]*Connection
	byChannel map[string]*Connection
}

func newRegistry() *registry {
	return &registry{
		byUser:    make(map[string]*Connection),
		byChannel: make(map[string]*Connection),
	}
}

// register records ch as the user's live channel. A different channel already
// registered for the same user is evicted and returned so the caller can leave
// its session and close it.
func (r *registry) register(ch Channel) (current, evicted *Connection) {
	if conn, ok := r.byChannel[ch.ID()]; ok {
		return conn, nil
	}

	userID := ch.UserID()
	if stale, ok := r.byUser[userID]; ok {
		delete(r.byChannel, stale.Channel.ID())
		evicted = stale
	}

	conn := &Connection{UserID: userID, Channel: ch}
	r.byUser[userID] = conn
	r.byChannel[ch.ID()] = conn
	return conn, evicted
}

// lookup returns the user's live channel, or nil.
func (r *registry) lookup(userID string) Channel {
	if conn, ok := r.byUser[userID]; ok {
		return conn.Channel
	}
	return nil
}

// channelFor returns the user's live channel only when it is bound to sessionID.
func (r *registry) channelFor(userID, sessionID string) Channel {
	conn, ok := r.byUser[userID]
	if !ok || conn.SessionID != sessionID {
		return nil
	}
	return conn.Channel
}

func (r *registry) connection(ch Channel) *Connection {
	return r.byChannel[ch.ID()]
}

func (r *registry) isCurrent(ch Channel) bool {
	_, ok := r.byChannel[ch.ID()]
	return ok
}

func (r *registry) bind(ch Channel, sessionID string) {
	if conn, ok := r.byChannel[ch.ID()]; ok {
		conn.SessionID = sessionID
	}
}

func (r *registry) unbind(ch Channel) {
	r.bind(ch, "")
}

// unregister removes the binding of ch. A newer channel registered for the same
// user is left untouched. It returns the removed connection, or nil.
func (r *registry) unregister(ch Channel) *Connection {
	conn, ok := r.byChannel[ch.ID()]
	if !ok {
		return nil
	}
	delete(r.byChannel, ch.ID())
	if current, ok := r.byUser[conn.UserID]; ok && current == conn {
		delete(r.byUser, conn.UserID)
	}
	return conn
}

func (r *registry) len() int {
	return len(r.byChannel)
}

// unbindSession clears every binding to sessionID.
func (r *registry) unbindSession(sessionID string) {
	for _, conn := range r.byChannel {
		if conn.SessionID == sessionID {
			conn.SessionID = ""
		}
	}
}

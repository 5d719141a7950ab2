//go:build linux

package engine

// fdKind tells the loop what a ready fd means.
type fdKind uint8

const (
	fdListener fdKind = iota
	fdClient
	fdCGIStdin
	fdCGIStdout
)

// fdEntry binds a registered fd to the connection that owns it.
type fdEntry struct {
	kind fdKind
	conn *conn
}

// registry is the fd table. Only client sockets count against the
// connection cap; the listener and CGI pipes ride along uncounted.
type registry struct {
	entries map[int]fdEntry
	clients int
	max     int
}

func newRegistry(max int) *registry {
	return &registry{entries: make(map[int]fdEntry), max: max}
}

func (r *registry) addListener(fd int) {
	r.entries[fd] = fdEntry{kind: fdListener}
}

func (r *registry) addClient(fd int, c *conn) {
	r.entries[fd] = fdEntry{kind: fdClient, conn: c}
	r.clients++
}

func (r *registry) addPipe(fd int, kind fdKind, c *conn) {
	r.entries[fd] = fdEntry{kind: kind, conn: c}
}

func (r *registry) lookup(fd int) (fdEntry, bool) {
	e, ok := r.entries[fd]
	return e, ok
}

// remove forgets fd. Unknown fds are a no-op so overlapping teardown paths
// stay harmless.
func (r *registry) remove(fd int) {
	e, ok := r.entries[fd]
	if !ok {
		return
	}
	if e.kind == fdClient {
		r.clients--
	}
	delete(r.entries, fd)
}

func (r *registry) full() bool { return r.clients >= r.max }

func (r *registry) clientCount() int { return r.clients }

// clientList snapshots the current connections so callers can close some of
// them without mutating the table mid-iteration.
func (r *registry) clientList() []*conn {
	conns := make([]*conn, 0, r.clients)
	for _, e := range r.entries {
		if e.kind == fdClient {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// eachClient visits connections in place. The callback must not add or
// remove table entries.
func (r *registry) eachClient(fn func(*conn)) {
	for _, e := range r.entries {
		if e.kind == fdClient {
			fn(e.conn)
		}
	}
}

package receiversession

import (
	"fmt"
	"net"
	"sync"

	"github.com/golang/snappy"

	"racetiming/ipicoforward/internal/logging"
	"racetiming/ipicoforward/internal/model"
)

// clientBufferDepth bounds how many pending lines a slow local client can
// accumulate before new lines are dropped and counted, per spec §4.8: slow
// readers apply backpressure to their own stream only, never upstream.
const clientBufferDepth = 256

// localClient spools outbound lines snappy-compressed: the receiver runs
// on resource-constrained SBC hardware, and a slow local consumer can pile
// up clientBufferDepth lines behind a single TCP write stall, so the
// buffer holds compressed bytes rather than raw strings. Compression is
// internal only; bytes on the wire to the local client are always the
// original raw_read_line text.
type localClient struct {
	conn    net.Conn
	lines   chan []byte
	dropped uint64
	mu      sync.Mutex
}

func newLocalClient(conn net.Conn) *localClient {
	c := &localClient{conn: conn, lines: make(chan []byte, clientBufferDepth)}
	go c.drain()
	return c
}

func (c *localClient) drain() {
	for encoded := range c.lines {
		line, err := snappy.Decode(nil, encoded)
		if err != nil {
			c.conn.Close()
			return
		}
		if _, err := c.conn.Write(line); err != nil {
			c.conn.Close()
			return
		}
	}
}

// enqueue offers line to the client's buffer, dropping it with a counter
// bump if the buffer is full rather than blocking the stream's publisher.
func (c *localClient) enqueue(line string) {
	encoded := snappy.Encode(nil, []byte(line))
	select {
	case c.lines <- encoded:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *localClient) close() {
	close(c.lines)
}

// localStream owns one TCP listener re-emitting raw_read_line + '\n' for a
// single subscribed (forwarder_id, reader_ip) to every connected client.
type localStream struct {
	key      model.NaturalKey
	listener net.Listener
	log      *logging.Logger

	mu      sync.Mutex
	clients map[net.Conn]*localClient
	closed  bool
}

func newLocalStream(key model.NaturalKey, listener net.Listener, log *logging.Logger) *localStream {
	s := &localStream{key: key, listener: listener, log: log, clients: make(map[net.Conn]*localClient)}
	go s.acceptLoop()
	return s
}

func (s *localStream) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		client := newLocalClient(conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			client.close()
			conn.Close()
			return
		}
		s.clients[conn] = client
		s.mu.Unlock()
	}
}

// Broadcast re-emits line to every currently connected client, in delivery
// order per client.
func (s *localStream) Broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.enqueue(line)
	}
}

// Port returns the bound local TCP port, useful when the configured port
// was 0 (OS-assigned).
func (s *localStream) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

func (s *localStream) close() {
	s.mu.Lock()
	s.closed = true
	for conn, c := range s.clients {
		c.close()
		conn.Close()
	}
	s.mu.Unlock()
	s.listener.Close()
}

// LocalFanout owns one localStream per subscribed stream.
type LocalFanout struct {
	log *logging.Logger

	mu      sync.RWMutex
	streams map[model.NaturalKey]*localStream
}

// NewLocalFanout constructs an empty LocalFanout.
func NewLocalFanout(log *logging.Logger) *LocalFanout {
	return &LocalFanout{log: log, streams: make(map[model.NaturalKey]*localStream)}
}

// Open binds a local TCP listener for key on port (0 for OS-assigned). A
// bind failure (e.g. port collision) is returned to the caller and refuses
// only this stream; other streams opened via separate Open calls are
// unaffected.
func (f *LocalFanout) Open(key model.NaturalKey, port int) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("receiversession: listen for %s: %w", key, err)
	}
	stream := newLocalStream(key, listener, f.log)
	f.mu.Lock()
	f.streams[key] = stream
	f.mu.Unlock()
	return stream.Port(), nil
}

// Publish re-emits line to the listener bound for key, if any.
func (f *LocalFanout) Publish(key model.NaturalKey, line string) {
	f.mu.RLock()
	stream, ok := f.streams[key]
	f.mu.RUnlock()
	if !ok {
		return
	}
	stream.Broadcast(line)
}

// Close shuts down the listener bound for key, if any, disconnecting its
// clients. Used when a subscription is removed.
func (f *LocalFanout) Close(key model.NaturalKey) {
	f.mu.Lock()
	stream, ok := f.streams[key]
	if ok {
		delete(f.streams, key)
	}
	f.mu.Unlock()
	if ok {
		stream.close()
	}
}

// CloseAll shuts down every listener and its connected clients.
func (f *LocalFanout) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stream := range f.streams {
		stream.close()
	}
	f.streams = make(map[model.NaturalKey]*localStream)
}

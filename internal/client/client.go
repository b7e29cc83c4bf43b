// Package client implements the update-protocol client: one TCP
// connection, the update handshake, and a pipelined file-request queue
// bounded at the protocol's outstanding-request ceiling.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cachemirror/cachemirror/internal/protocol"
	"github.com/cachemirror/cachemirror/internal/store"
	"github.com/cachemirror/cachemirror/pkg/types"
)

// UnusedIndexes are advertised by the server but never requested; the
// server silently drops requests for them. They are removed from the
// local tree when present.
var UnusedIndexes = map[int]bool{16: true, 23: true}

type clientState int

const (
	stateDisconnected clientState = iota
	stateHandshaking
	stateConnected
	stateClosed
)

// FileResult is one completed file request: the request key and the raw
// compressed container bytes as received.
type FileResult struct {
	Index          int
	Archive        int
	CompressedData []byte
}

// pendingRequest is one outstanding file request. Exactly one of done or
// ch receives the result: done for pipelined bulk requests (run on the
// reader goroutine), ch for flushing requests the caller joins.
type pendingRequest struct {
	index   int
	archive int
	done    func(*FileResult) error
	ch      chan *FileResult
}

// Client drives one update-server connection. It is not safe for use by
// more than one driver; the reader goroutine is the only other party.
type Client struct {
	store    *store.Store
	host     string
	port     int
	revision int
	log      *slog.Logger

	conn net.Conn
	bw   *bufio.Writer

	group *errgroup.Group

	mu             sync.Mutex
	cond           *sync.Cond
	state          clientState
	handshakeDone  bool
	closing        bool
	pending        []*pendingRequest
	failure        error
}

// New creates a client that downloads into st.
func New(st *store.Store, host string, port, revision int, log *slog.Logger) *Client {
	c := &Client{
		store:    st,
		host:     host,
		port:     port,
		revision: revision,
		log:      log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Revision returns the client revision sent in the handshake.
func (c *Client) Revision() int {
	return c.revision
}

// Connect opens the TCP connection.
func (c *Client) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w: %v", addr, types.ErrNetwork, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	return nil
}

// Handshake sends the update handshake and returns the server's one-byte
// response. On protocol.ResponseOK the session prelude is sent and the
// client accepts file requests; any other value leaves the client unable
// to request files and the caller must abort the run. At most one
// handshake per client.
func (c *Client) Handshake() (byte, error) {
	c.mu.Lock()
	if c.handshakeDone {
		c.mu.Unlock()
		return 0, types.ErrAlreadyHandshaked
	}
	c.handshakeDone = true
	c.state = stateHandshaking
	c.mu.Unlock()

	hello := protocol.Handshake{Revision: c.revision}
	if _, err := c.conn.Write(hello.Encode()); err != nil {
		return 0, fmt.Errorf("send handshake: %w: %v", types.ErrNetwork, err)
	}

	c.log.Info("sent handshake", "revision", c.revision)

	var status [1]byte
	if _, err := io.ReadFull(c.conn, status[:]); err != nil {
		return 0, fmt.Errorf("read handshake response: %w: %v", types.ErrNetwork, err)
	}

	if status[0] != protocol.ResponseOK {
		return status[0], nil
	}

	for _, cmd := range protocol.Prelude(0) {
		if _, err := c.conn.Write(cmd); err != nil {
			return 0, fmt.Errorf("send session prelude: %w: %v", types.ErrNetwork, err)
		}
	}

	c.mu.Lock()
	c.state = stateConnected
	c.mu.Unlock()

	c.group = &errgroup.Group{}
	c.group.Go(c.readLoop)

	return status[0], nil
}

// Close shuts the connection down and waits for the reader goroutine.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	c.state = stateClosed
	c.cond.Broadcast()
	c.mu.Unlock()

	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	if c.group != nil {
		if werr := c.group.Wait(); werr != nil && err == nil && !errors.Is(werr, net.ErrClosed) {
			err = werr
		}
	}
	return err
}

// requestFile enqueues one file request. With flush=false the call
// suspends while the pipeline is full, writes without flushing, and the
// result is delivered to done on the reader goroutine. With flush=true
// the request bypasses the bound, the socket is flushed, and the caller
// receives the result channel to join.
func (c *Client) requestFile(index, archive int, flush bool, done func(*FileResult) error) (chan *FileResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected {
		return nil, fmt.Errorf("request %d/%d: %w", index, archive, types.ErrNotConnected)
	}

	if !flush {
		for len(c.pending) >= protocol.MaxRequests && c.failure == nil && !c.closing {
			// Push queued requests out before sleeping, or the server has
			// nothing to answer and the pipeline never drains.
			if err := c.bw.Flush(); err != nil {
				c.failLocked(fmt.Errorf("flush requests: %w: %v", types.ErrNetwork, err))
				break
			}
			c.cond.Wait()
		}
		if c.failure != nil {
			return nil, c.failure
		}
		if c.closing {
			return nil, fmt.Errorf("request %d/%d: %w", index, archive, types.ErrNotConnected)
		}
	}

	req := &pendingRequest{index: index, archive: archive, done: done}
	if done == nil {
		req.ch = make(chan *FileResult, 1)
	}
	c.pending = append(c.pending, req)

	c.log.Debug("requesting file", "index", index, "archive", archive, "flush", flush)

	packet := protocol.ArchiveRequest{Index: index, Archive: archive}
	if _, err := c.bw.Write(packet.Encode()); err != nil {
		c.failLocked(fmt.Errorf("send request: %w: %v", types.ErrNetwork, err))
		return nil, c.failure
	}
	if flush {
		if err := c.bw.Flush(); err != nil {
			c.failLocked(fmt.Errorf("flush request: %w: %v", types.ErrNetwork, err))
			return nil, c.failure
		}
	}

	return req.ch, nil
}

// requestFileSync issues a flushing request and waits for its response.
func (c *Client) requestFileSync(index, archive int) (*FileResult, error) {
	ch, err := c.requestFile(index, archive, true, nil)
	if err != nil {
		return nil, err
	}

	result, ok := <-ch
	if !ok || result == nil {
		c.mu.Lock()
		err := c.failure
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("request %d/%d: %w", index, archive, types.ErrNetwork)
		}
		return nil, err
	}
	return result, nil
}

// flushRequests pushes any buffered requests to the server.
func (c *Client) flushRequests() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.bw.Flush(); err != nil {
		c.failLocked(fmt.Errorf("flush requests: %w: %v", types.ErrNetwork, err))
		return c.failure
	}
	return nil
}

// drain suspends until every outstanding request has completed, or
// returns the first failure recorded by the reader or a completion
// handler.
func (c *Client) drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) > 0 && c.failure == nil {
		c.cond.Wait()
	}
	return c.failure
}

// failLocked records the run's first failure, releases every waiter, and
// unblocks callers joining result channels. The caller holds c.mu.
func (c *Client) failLocked(err error) {
	if c.failure != nil {
		return
	}
	c.failure = err
	for _, pr := range c.pending {
		if pr.ch != nil {
			close(pr.ch)
		}
	}
	c.pending = nil
	c.cond.Broadcast()
}

// readLoop reassembles responses and completes their pending requests
// until the connection closes or a response fails its handler.
func (c *Client) readLoop() error {
	br := bufio.NewReaderSize(c.conn, protocol.FrameSize*4)
	for {
		resp, err := protocol.ReadResponse(br)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			if !closing {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
					c.failLocked(fmt.Errorf("connection lost: %w: %v", types.ErrNetwork, err))
				} else {
					c.failLocked(fmt.Errorf("%w: %v", types.ErrProtocol, err))
				}
			}
			c.cond.Broadcast()
			c.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}

		if err := c.complete(resp); err != nil {
			return err
		}
	}
}

// complete matches one response to its pending request and delivers it.
// Handlers run here, serialized with the pending queue and, through it,
// the staging map.
func (c *Client) complete(resp *protocol.Response) error {
	c.mu.Lock()

	var req *pendingRequest
	for i, pr := range c.pending {
		if pr.index == resp.Index && pr.archive == resp.Archive {
			req = pr
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}

	if req == nil {
		err := fmt.Errorf("%w: response for unrequested file %d/%d", types.ErrProtocol, resp.Index, resp.Archive)
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}

	c.cond.Broadcast()

	result := &FileResult{Index: resp.Index, Archive: resp.Archive, CompressedData: resp.Blob}
	c.log.Debug("file download finished", "index", resp.Index, "archive", resp.Archive, "length", len(resp.Blob))

	if req.done == nil {
		c.mu.Unlock()
		req.ch <- result
		return nil
	}

	if err := req.done(result); err != nil {
		c.failLocked(err)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return nil
}

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"folderd/fmdm"
)

// ErrClientClosed is returned for requests on a closed client.
var ErrClientClosed = errors.New("ipc client closed")

// Client is one daemon connection. Requests may be issued from any
// goroutine; responses pair up by correlation id. Snapshot pushes arrive
// on Snapshots() regardless of request traffic.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool

	snapshots chan fmdm.FMDM
	done      chan struct{}
}

// Dial connects to the daemon socket and identifies the client type.
func Dial(socketPath, clientType string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon at %s: %w", socketPath, err)
	}

	c := &Client{
		conn:      conn,
		enc:       json.NewEncoder(conn),
		pending:   make(map[string]chan Envelope),
		snapshots: make(chan fmdm.FMDM, 16),
		done:      make(chan struct{}),
	}

	payload, err := json.Marshal(Hello{ClientType: clientType})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.send(Envelope{Type: TypeHello, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Snapshots delivers folder model updates pushed by the daemon. The
// channel closes when the connection drops.
func (c *Client) Snapshots() <-chan fmdm.FMDM {
	return c.snapshots
}

// Close drops the connection. Pending requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(env)
}

// Request sends one operation and waits for its response or ctx.
func (c *Client) Request(ctx context.Context, op string, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(Envelope{Type: TypeRequest, ID: id, Op: op, Payload: raw}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Payload, nil
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.snapshots)

	dec := json.NewDecoder(bufio.NewReader(c.conn))
	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			return
		}

		switch env.Type {
		case TypeFMDM:
			var snapshot fmdm.FMDM
			if err := json.Unmarshal(env.Payload, &snapshot); err != nil {
				log.Printf("ipc: failed to decode snapshot: %v", err)
				continue
			}
			// Coalesce when the consumer lags: drop the oldest.
			for {
				select {
				case c.snapshots <- snapshot:
				default:
					select {
					case <-c.snapshots:
					default:
					}
					continue
				}
				break
			}
		case TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if !ok {
				log.Printf("ipc: dropping response with unknown id %s", env.ID)
				continue
			}
			select {
			case ch <- env:
			default:
				log.Printf("ipc: dropping duplicate response for id %s", env.ID)
			}
		default:
			log.Printf("ipc: dropping unexpected frame type %q", env.Type)
		}
	}
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, OpPing, nil)
	return err
}

// Status fetches the current folder model snapshot.
func (c *Client) Status(ctx context.Context) (*fmdm.FMDM, error) {
	raw, err := c.Request(ctx, OpDaemonStatus, nil)
	if err != nil {
		return nil, err
	}
	var resp StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &resp.FMDM, nil
}

// AddFolder registers a folder with the daemon.
func (c *Client) AddFolder(ctx context.Context, path, model string) error {
	_, err := c.Request(ctx, OpFolderAdd, FolderRequest{Path: path, Model: model})
	return err
}

// RemoveFolder drops a folder from the daemon.
func (c *Client) RemoveFolder(ctx context.Context, path string) error {
	_, err := c.Request(ctx, OpFolderRemove, FolderRequest{Path: path})
	return err
}

// ListFolders returns the folders the daemon manages.
func (c *Client) ListFolders(ctx context.Context) ([]fmdm.FolderConfig, error) {
	raw, err := c.Request(ctx, OpFolderList, nil)
	if err != nil {
		return nil, err
	}
	var resp FolderListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode folder list: %w", err)
	}
	return resp.Folders, nil
}

// Rescan asks the daemon to re-scan a folder.
func (c *Client) Rescan(ctx context.Context, path string) error {
	_, err := c.Request(ctx, OpFolderRescan, FolderRequest{Path: path})
	return err
}

// Search runs a semantic query against one folder.
func (c *Client) Search(ctx context.Context, folder, query string, limit int) ([]SearchHit, error) {
	raw, err := c.Request(ctx, OpSearch, SearchRequest{Folder: folder, Query: query, Limit: limit})
	if err != nil {
		return nil, err
	}
	var resp SearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return resp.Hits, nil
}

package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// ClientConfig configures a remote authority client.
type ClientConfig struct {
	// Address of the authority server.
	Address string `mapstructure:"address" validate:"required"`

	// Timeout bounds a call whose context carries no deadline.
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`

	// DialTimeout bounds establishing a connection.
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"min=0"`

	// MaxIdleConns is the number of idle connections kept for reuse.
	MaxIdleConns int `mapstructure:"max_idle_conns" validate:"min=0"`

	// IdleConnTimeout discards pooled connections idle for longer. Keep it
	// below the server's idle timeout so a call never picks a connection
	// the server already closed.
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" validate:"min=0"`

	// MaxRecordSize rejects replies larger than this many bytes.
	MaxRecordSize int `mapstructure:"max_record_size" validate:"min=0"`
}

// ApplyDefaults fills zero fields with their defaults.
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 8
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = time.Minute
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = DefaultMaxRecord
	}
}

// ErrClientClosed is returned by calls on a closed Client.
var ErrClientClosed = errors.New("authority client closed")

// Client implements authority.Authority against a remote Server.
//
// Each call takes a pooled connection (dialing when the pool is empty),
// performs one round trip and returns the connection. A connection that saw
// a transport error or a cancelled context is discarded rather than reused,
// since its stream position is unknown.
type Client struct {
	config ClientConfig
	dialer net.Dialer
	xid    atomic.Uint32

	mu     sync.Mutex
	idle   []idleConn
	closed bool
}

type idleConn struct {
	net.Conn
	since time.Time
}

var _ authority.Authority = (*Client)(nil)

// Dial connects to the server and verifies it answers a null call.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	config.ApplyDefaults()
	if config.Address == "" {
		return nil, fmt.Errorf("authority client: address is required")
	}

	c := &Client{
		config: config,
		dialer: net.Dialer{Timeout: config.DialTimeout},
	}
	c.xid.Store(uint32(time.Now().UnixNano()))

	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Ping performs a null call.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, ProcNull, nil, nil)
}

// Close releases pooled connections. In-flight calls complete on their own
// connections, which are closed instead of being returned.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, ic := range c.idle {
		_ = ic.Close()
	}
	c.idle = nil
	return nil
}

func (c *Client) Sync(ctx context.Context, volume string) (string, error) {
	var reply activeReply
	err := c.call(ctx, ProcSync, &volumeArgs{Volume: volume}, &reply)
	return reply.Active, err
}

func (c *Client) Create(ctx context.Context, hdr authority.Header, volume, snap string) error {
	return c.call(ctx, ProcCreate, &snapArgs{Header: toWireHeader(hdr), Volume: volume, Snap: snap}, nil)
}

func (c *Client) Delete(ctx context.Context, hdr authority.Header, volume, snap string) error {
	return c.call(ctx, ProcDelete, &snapArgs{Header: toWireHeader(hdr), Volume: volume, Snap: snap}, nil)
}

func (c *Client) List(ctx context.Context, volume string) ([]string, error) {
	var reply namesReply
	if err := c.call(ctx, ProcList, &volumeArgs{Volume: volume}, &reply); err != nil {
		return nil, err
	}
	return reply.Names, nil
}

func (c *Client) Query(ctx context.Context, volume, snap string) (authority.SnapStatus, error) {
	var reply statusReply
	if err := c.call(ctx, ProcQuery, &queryArgs{Volume: volume, Snap: snap}, &reply); err != nil {
		return 0, err
	}
	return authority.SnapStatus(reply.Status), nil
}

// Update returns the active snapshot carried by the reply even when the
// server answered with a non-ok status.
func (c *Client) Update(ctx context.Context, hdr authority.Header, volume, snap string, event authority.UpdateEvent) (string, error) {
	var reply activeReply
	err := c.call(ctx, ProcUpdate, &updateArgs{
		Header: toWireHeader(hdr),
		Volume: volume,
		Snap:   snap,
		Event:  int32(event),
	}, &reply)
	return reply.Active, err
}

func (c *Client) Rollback(ctx context.Context, hdr authority.Header, volume, snap string) ([]authority.BlockRef, error) {
	var reply blocksReply
	if err := c.call(ctx, ProcRollback, &snapArgs{Header: toWireHeader(hdr), Volume: volume, Snap: snap}, &reply); err != nil {
		return nil, err
	}
	return toBlockRefs(reply.Blocks), nil
}

func (c *Client) Diff(ctx context.Context, hdr authority.Header, volume, first, last string) ([]authority.DiffRange, error) {
	var reply diffReply
	if err := c.call(ctx, ProcDiff, &diffArgs{Header: toWireHeader(hdr), Volume: volume, First: first, Last: last}, &reply); err != nil {
		return nil, err
	}
	out := make([]authority.DiffRange, len(reply.Ranges))
	for i, d := range reply.Ranges {
		out[i] = authority.DiffRange{FirstBlock: d.FirstBlock, BlockCount: d.BlockCount}
	}
	return out, nil
}

func (c *Client) Read(ctx context.Context, hdr authority.Header, volume, snap string, offset, length uint64) ([]authority.BlockRef, error) {
	var reply blocksReply
	err := c.call(ctx, ProcRead, &readArgs{
		Header: toWireHeader(hdr),
		Volume: volume,
		Snap:   snap,
		Offset: offset,
		Length: length,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return toBlockRefs(reply.Blocks), nil
}

func (c *Client) CowQuery(ctx context.Context, volume, active string, blockNo uint64) (authority.CowDecision, error) {
	var reply cowQueryReply
	if err := c.call(ctx, ProcCowQuery, &cowQueryArgs{Volume: volume, Active: active, BlockNo: blockNo}, &reply); err != nil {
		return authority.CowDecision{}, err
	}
	return authority.CowDecision{NeedsPreservation: reply.NeedsPreservation, Object: reply.Object}, nil
}

func (c *Client) CowCommit(ctx context.Context, volume, active string, blockNo uint64, object string) error {
	return c.call(ctx, ProcCowCommit, &cowCommitArgs{
		Volume:  volume,
		Active:  active,
		BlockNo: blockNo,
		Object:  object,
	}, nil)
}

// call performs one round trip. A non-ok reply becomes *authority.StatusError;
// the reply body, when present, is decoded into reply regardless of status.
func (c *Client) call(ctx context.Context, proc uint32, args any, reply any) error {
	name := ProcName(proc)

	if _, ok := ctx.Deadline(); !ok && c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	conn, err := c.get(ctx)
	if err != nil {
		return fmt.Errorf("authority %s: %w", name, err)
	}

	xid := c.xid.Add(1)
	payload, err := encode(&callHeader{XID: xid, Program: Program, Version: Version, Procedure: proc}, args)
	if err != nil {
		c.put(conn)
		return fmt.Errorf("authority %s: %w", name, err)
	}

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		// unblock the pending read; the connection is discarded below
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	hdr, body, err := c.roundTrip(conn, xid, payload)
	if !stop() || err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("authority %s: %w", name, ctxErr)
		}
		if err == nil {
			err = context.Canceled
		}
		return fmt.Errorf("authority %s: %w", name, err)
	}
	_ = conn.SetDeadline(time.Time{})
	c.put(conn)

	if body.Len() > 0 && reply != nil {
		if _, err := xdr.Unmarshal(body, reply); err != nil {
			return fmt.Errorf("authority %s: decode reply: %w", name, err)
		}
	}

	if code := authority.StatusCode(hdr.Status); code != authority.StatusOK {
		return &authority.StatusError{Op: name, Code: code, Message: hdr.Message}
	}
	return nil
}

func (c *Client) roundTrip(conn net.Conn, xid uint32, payload []byte) (*replyHeader, *bytes.Reader, error) {
	if err := writeRecord(conn, payload); err != nil {
		return nil, nil, fmt.Errorf("write call: %w", err)
	}

	record, err := readRecord(conn, c.config.MaxRecordSize)
	if err != nil {
		return nil, nil, fmt.Errorf("read reply: %w", err)
	}

	r := bytes.NewReader(record)
	var hdr replyHeader
	if _, err := xdr.Unmarshal(r, &hdr); err != nil {
		return nil, nil, fmt.Errorf("decode reply header: %w", err)
	}
	if hdr.XID != xid {
		return nil, nil, fmt.Errorf("%w: sent %#x, got %#x", ErrXIDMismatch, xid, hdr.XID)
	}
	return &hdr, r, nil
}

func (c *Client) get(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	var stale []net.Conn
	for len(c.idle) > 0 {
		n := len(c.idle)
		ic := c.idle[n-1]
		c.idle = c.idle[:n-1]
		if time.Since(ic.since) <= c.config.IdleConnTimeout {
			c.mu.Unlock()
			closeAll(stale)
			return ic.Conn, nil
		}
		stale = append(stale, ic.Conn)
	}
	c.mu.Unlock()
	closeAll(stale)

	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.config.Address, err)
	}
	return conn, nil
}

func (c *Client) put(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.idle) >= c.config.MaxIdleConns {
		_ = conn.Close()
		return
	}
	c.idle = append(c.idle, idleConn{Conn: conn, since: time.Now()})
}

func closeAll(conns []net.Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}

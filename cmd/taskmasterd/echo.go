// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/joeycumines/go-taskmaster"
	"github.com/joeycumines/go-taskmaster/workqueue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// echoServer is a TCP echo service, multiplexed on the daemon's Master.
// Every connection echoes through its own work queue, which is plugged
// while the socket's send buffer is full.
type echoServer struct {
	m       *taskmaster.Master
	log     *logiface.Logger[logiface.Event]
	limiter *rate.Limiter
	conns   map[int]*echoConn
	chunks  sync.Pool
	cfg     echoConfig
	fd      int
	accept  taskmaster.Handle
	// accepted and rejected are lifetime connection counts.
	accepted uint64
	rejected uint64
}

// echoConfig are the settings that may be changed on reload.
type echoConfig struct {
	queue       QueueConfig
	maxConns    int
	readBuffer  int
	maxPending  int
	idleTimeout Duration
}

func newEchoConfig(cfg *Config) echoConfig {
	return echoConfig{
		queue:       cfg.Queue,
		maxConns:    cfg.MaxConns,
		readBuffer:  cfg.ReadBuffer,
		maxPending:  cfg.MaxPending,
		idleTimeout: cfg.IdleTimeout,
	}
}

type echoConn struct {
	s     *echoServer
	out   *workqueue.Queue[*chunk]
	peer  string
	fd    int
	read  taskmaster.Handle
	write taskmaster.Handle
	idle  taskmaster.Handle
	// paused is set while reading is suspended, for backpressure.
	paused bool
	closed bool
}

// chunk is one read's worth of data, queued to be written back.
type chunk struct {
	buf []byte
	b   []byte
}

func newEchoServer(m *taskmaster.Master, log *logiface.Logger[logiface.Event], cfg *Config) (*echoServer, error) {
	addr, err := cfg.ListenAddr()
	if err != nil {
		return nil, err
	}
	fd, err := listenTCP(addr)
	if err != nil {
		return nil, fmt.Errorf("echo: listen %s: %w", addr, err)
	}
	s := &echoServer{
		m:       m,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
		conns:   make(map[int]*echoConn),
		cfg:     newEchoConfig(cfg),
		fd:      fd,
	}
	if s.accept, err = m.AddRead("echo:accept", fd, s.onAccept, s); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func listenTCP(addr netip.AddrPort) (fd int, err error) {
	var sa unix.Sockaddr
	domain := unix.AF_INET
	if addr.Addr().Is4() {
		sa = &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	} else {
		domain = unix.AF_INET6
		sa = &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		return -1, err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		return -1, err
	}
	if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return -1, err
	}
	return fd, nil
}

// Addr returns the bound address, which differs from the configured one if
// it specified port 0.
func (s *echoServer) Addr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sockaddrToAddrPort(sa), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

func (s *echoServer) reload(cfg *Config) {
	s.cfg = newEchoConfig(cfg)
	s.limiter.SetLimit(rate.Limit(cfg.AcceptRate))
	s.limiter.SetBurst(cfg.AcceptBurst)
}

func (s *echoServer) onAccept(t *taskmaster.Task) {
	s.accept = taskmaster.Handle{}
	defer func() {
		if s.fd < 0 {
			return
		}
		var err error
		if s.accept, err = s.m.AddRead("echo:accept", s.fd, s.onAccept, s); err != nil {
			s.log.Err().Err(err).Log(`echo: failed to re-arm accept`)
		}
	}()

	for !s.m.ShouldYield(t) {
		nfd, sa, err := unix.Accept(s.fd)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
				s.log.Warning().Err(err).Log(`echo: accept failed`)
			}
			return
		}
		peer := sockaddrToAddrPort(sa).String()

		if len(s.conns) >= s.cfg.maxConns || !s.limiter.Allow() {
			s.rejected++
			_ = unix.Close(nfd)
			s.log.Info().
				Str(`peer`, peer).
				Int(`conns`, len(s.conns)).
				Log(`echo: connection rejected`)
			continue
		}

		if err := s.open(nfd, peer); err != nil {
			_ = unix.Close(nfd)
			s.log.Err().Err(err).Str(`peer`, peer).Log(`echo: failed to open connection`)
			continue
		}
		s.accepted++
	}
}

func (s *echoServer) open(fd int, peer string) error {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}

	c := &echoConn{s: s, fd: fd, peer: peer}
	var err error
	c.out, err = workqueue.New(s.m, "echo", workqueue.Spec[*chunk]{
		WorkFunc:       c.writeChunk,
		ErrorFunc:      c.writeFailed,
		DelItemData:    c.releaseChunk,
		CompletionFunc: c.drained,
		MaxRetries:     s.cfg.queue.MaxRetries,
		Hold:           s.cfg.queue.Hold.Std(),
		Yield:          s.cfg.queue.Yield.Std(),
	})
	if err != nil {
		return err
	}
	if c.read, err = s.m.AddRead("echo:read", fd, c.onRead, c); err != nil {
		return err
	}
	s.conns[fd] = c
	c.touch()

	s.log.Debug().Str(`peer`, peer).Int(`fd`, fd).Log(`echo: connection opened`)
	return nil
}

func (s *echoServer) getChunk() *chunk {
	if v, ok := s.chunks.Get().(*chunk); ok && cap(v.buf) >= s.cfg.readBuffer {
		return v
	}
	return &chunk{buf: make([]byte, s.cfg.readBuffer)}
}

func (s *echoServer) putChunk(v *chunk) {
	v.b = nil
	s.chunks.Put(v)
}

// Stats aggregates the work queue stats of every open connection.
func (s *echoServer) Stats() (conns int, pending int, runs uint64) {
	for _, c := range s.conns {
		st := c.out.Stats()
		pending += st.Items
		runs += st.Runs
	}
	return len(s.conns), pending, runs
}

func (s *echoServer) close() {
	for _, c := range s.conns {
		c.close(nil)
	}
	if s.fd >= 0 {
		s.m.Cancel(s.accept)
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

// touch restarts the idle timer.
func (c *echoConn) touch() {
	c.s.m.Cancel(c.idle)
	c.idle = taskmaster.Handle{}
	if d := c.s.cfg.idleTimeout.Std(); d > 0 {
		c.idle = c.s.m.AddTimer("echo:idle", d, c.onIdle, c)
	}
}

func (c *echoConn) onIdle(*taskmaster.Task) {
	c.idle = taskmaster.Handle{}
	c.close(errors.New("idle timeout"))
}

func (c *echoConn) onRead(*taskmaster.Task) {
	c.read = taskmaster.Handle{}
	if c.closed {
		return
	}

	v := c.s.getChunk()
	n, err := unix.Read(c.fd, v.buf[:c.s.cfg.readBuffer])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		c.s.putChunk(v)
		c.resume()
		return
	case err != nil:
		c.s.putChunk(v)
		c.close(err)
		return
	case n == 0:
		c.s.putChunk(v)
		c.close(nil)
		return
	}

	v.b = v.buf[:n]
	if err := c.out.Add(v); err != nil {
		c.s.putChunk(v)
		c.close(err)
		return
	}
	c.touch()

	if c.out.Len() >= c.s.cfg.maxPending {
		c.paused = true
		return
	}
	c.resume()
}

// resume re-arms the (one-shot) read task.
func (c *echoConn) resume() {
	c.paused = false
	if c.closed || !c.read.IsZero() {
		return
	}
	var err error
	if c.read, err = c.s.m.AddRead("echo:read", c.fd, c.onRead, c); err != nil {
		c.close(err)
	}
}

func (c *echoConn) writeChunk(q *workqueue.Queue[*chunk], v *chunk) workqueue.Result {
	n, err := unix.Write(c.fd, v.b)
	if n > 0 {
		v.b = v.b[n:]
	}
	switch {
	case err == nil && len(v.b) == 0:
		return workqueue.Success
	case err == nil, errors.Is(err, unix.EAGAIN):
		// send buffer full: block the queue until the socket is writable
		q.Plug()
		if c.write.IsZero() {
			if c.write, err = c.s.m.AddWrite("echo:write", c.fd, c.onWritable, c); err != nil {
				return workqueue.Error
			}
		}
		return workqueue.QueueBlocked
	case errors.Is(err, unix.EINTR):
		return workqueue.RetryNow
	default:
		return workqueue.Error
	}
}

func (c *echoConn) onWritable(*taskmaster.Task) {
	c.write = taskmaster.Handle{}
	if !c.closed {
		c.out.Unplug()
	}
}

func (c *echoConn) writeFailed(q *workqueue.Queue[*chunk], _ *chunk) {
	c.close(errors.New("write failed"))
}

func (c *echoConn) releaseChunk(_ *workqueue.Queue[*chunk], v *chunk) {
	c.s.putChunk(v)
}

func (c *echoConn) drained(*workqueue.Queue[*chunk]) {
	if c.paused {
		c.resume()
	}
}

// close releases the connection. It is idempotent.
func (c *echoConn) close(reason error) {
	if c.closed {
		return
	}
	c.closed = true

	m := c.s.m
	m.Cancel(c.read)
	m.Cancel(c.write)
	m.Cancel(c.idle)
	// drop anything for this connection that is already ready to run
	m.CancelEvent(func(arg any) bool { return arg == c })
	c.out.Free()

	delete(c.s.conns, c.fd)
	_ = unix.Close(c.fd)

	if reason != nil {
		c.s.log.Info().Err(reason).Str(`peer`, c.peer).Log(`echo: connection closed`)
	} else {
		c.s.log.Debug().Str(`peer`, c.peer).Log(`echo: connection closed`)
	}
}

// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package collective

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const dialRetryInterval = 50 * time.Millisecond

type hello struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

type welcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// tcpGroup is a group whose rank 0 member accepts a connection from
// every member (itself included) and releases them all once the last
// one has arrived. Connections stay open until Destroy.
type tcpGroup struct {
	rank      int
	worldSize int
	conn      net.Conn
	leader    *tcpLeader
	destroy   sync.Once
}

func (g *tcpGroup) Rank() int      { return g.rank }
func (g *tcpGroup) WorldSize() int { return g.worldSize }

func (g *tcpGroup) Destroy() error {
	var err error
	g.destroy.Do(func() {
		err = g.conn.Close()
		if g.leader != nil {
			g.leader.close()
		}
	})
	return err
}

func joinTCP(ctx context.Context, cfg GroupConfig, logger logrus.FieldLogger) (Group, error) {
	addr := net.JoinHostPort(cfg.Addr, strconv.Itoa(cfg.Port))
	g := &tcpGroup{rank: cfg.Rank, worldSize: cfg.WorldSize}
	if cfg.Rank == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		g.leader = &tcpLeader{
			ln:        ln,
			worldSize: cfg.WorldSize,
			members:   map[int]net.Conn{},
			pending:   map[net.Conn]bool{},
			logger:    logger,
		}
		go g.leader.run(ctx)
	}
	conn, err := dial(ctx, addr)
	if err != nil {
		if g.leader != nil {
			g.leader.close()
		}
		return nil, err
	}
	g.conn = conn
	if err := g.handshake(ctx, cfg); err != nil {
		g.Destroy()
		return nil, err
	}
	return g, nil
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		// The leader might not be listening yet.
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (last dial error: %s)", ctx.Err(), err)
		case <-time.After(dialRetryInterval):
		}
	}
}

func (g *tcpGroup) handshake(ctx context.Context, cfg GroupConfig) error {
	if deadline, ok := ctx.Deadline(); ok {
		g.conn.SetDeadline(deadline)
	}
	err := json.NewEncoder(g.conn).Encode(hello{Rank: cfg.Rank, WorldSize: cfg.WorldSize})
	if err != nil {
		return err
	}
	var w welcome
	err = json.NewDecoder(bufio.NewReader(g.conn)).Decode(&w)
	if err != nil {
		return fmt.Errorf("waiting for peers: %w", err)
	}
	if !w.OK {
		return errors.New(w.Error)
	}
	g.conn.SetDeadline(time.Time{})
	return nil
}

type tcpLeader struct {
	ln        net.Listener
	worldSize int
	logger    logrus.FieldLogger

	mtx     sync.Mutex
	members map[int]net.Conn
	pending map[net.Conn]bool // accepted, hello not read yet
	closed  bool
}

// run accepts members until the group is complete or ctx is done.
func (l *tcpLeader) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		l.mtx.Lock()
		complete := len(l.members) == l.worldSize
		l.mtx.Unlock()
		if !complete {
			l.close()
		}
	})
	defer stop()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		l.mtx.Lock()
		if l.closed {
			l.mtx.Unlock()
			conn.Close()
			return
		}
		l.pending[conn] = true
		l.mtx.Unlock()
		// A slow or silent connection must not hold up the
		// members behind it.
		go l.admit(conn)
	}
}

// admit reads a member's hello and returns true when the group is
// complete. Completing the group stops the listener and drops any
// connections that have not sent a hello.
func (l *tcpLeader) admit(conn net.Conn) bool {
	var h hello
	err := json.NewDecoder(conn).Decode(&h)
	l.mtx.Lock()
	delete(l.pending, conn)
	l.mtx.Unlock()
	if err != nil {
		l.logger.WithError(err).Warn("dropping connection without valid hello")
		conn.Close()
		return false
	}
	reject := func(msg string) bool {
		json.NewEncoder(conn).Encode(welcome{Error: msg})
		conn.Close()
		return false
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	switch {
	case l.closed:
		return reject("group is closed")
	case h.WorldSize != l.worldSize:
		return reject(fmt.Sprintf("world size mismatch: member says %d, leader says %d", h.WorldSize, l.worldSize))
	case h.Rank < 0 || h.Rank >= l.worldSize:
		return reject(fmt.Sprintf("rank %d out of range", h.Rank))
	case l.members[h.Rank] != nil:
		return reject(fmt.Sprintf("rank %d already joined", h.Rank))
	}
	l.members[h.Rank] = conn
	l.logger.WithField("Member", h.Rank).Debug("member joined")
	if len(l.members) < l.worldSize {
		return false
	}
	for rank, member := range l.members {
		if err := json.NewEncoder(member).Encode(welcome{OK: true}); err != nil {
			l.logger.WithError(err).WithField("Member", rank).Warn("error releasing member")
		}
		member.SetDeadline(time.Time{})
	}
	l.ln.Close()
	for conn := range l.pending {
		conn.Close()
	}
	return true
}

func (l *tcpLeader) close() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.ln.Close()
	for _, conn := range l.members {
		conn.Close()
	}
	for conn := range l.pending {
		conn.Close()
	}
}

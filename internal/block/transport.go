// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ManuGH/obsnet/internal/protocol"
)

const (
	writeBacklog = 256
	writeTimeout = 10 * time.Second
)

// transport moves lines for one socket connection. writeLine must never
// block the loop goroutine.
type transport interface {
	start(b *Block, c *Connection)
	writeLine(line string) error
	close()
}

// socketTransport runs one reader and one writer goroutine per net.Conn.
// close lets the writer drain queued lines (e.g. an auth failure reply)
// before the socket is shut.
type socketTransport struct {
	nc   net.Conn
	out  chan string
	done chan struct{}
	once sync.Once
}

func newSocketTransport(nc net.Conn) *socketTransport {
	return &socketTransport{
		nc:   nc,
		out:  make(chan string, writeBacklog),
		done: make(chan struct{}),
	}
}

func (t *socketTransport) start(b *Block, c *Connection) {
	go t.readLoop(b, c)
	go t.writeLoop(b, c)
}

func (t *socketTransport) readLoop(b *Block, c *Connection) {
	sc := protocol.NewScanner(t.nc)
	for sc.Scan() {
		line := sc.Text()
		if !b.post(func() { c.handleLine(line) }) {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	b.post(func() { c.closeWith(fmt.Errorf("%w: read: %v", ErrTransport, err)) })
}

func (t *socketTransport) writeLoop(b *Block, c *Connection) {
	defer func() { _ = t.nc.Close() }()
	for {
		select {
		case line := <-t.out:
			if err := t.write(line); err != nil {
				b.post(func() { c.closeWith(fmt.Errorf("%w: write: %v", ErrTransport, err)) })
				return
			}
		case <-t.done:
			for {
				select {
				case line := <-t.out:
					if t.write(line) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *socketTransport) write(line string) error {
	_ = t.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(t.nc, line+"\n")
	return err
}

var errBacklog = errors.New("write backlog full")

func (t *socketTransport) writeLine(line string) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.out <- line:
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrTransport, errBacklog)
	}
}

func (t *socketTransport) close() {
	t.once.Do(func() { close(t.done) })
}

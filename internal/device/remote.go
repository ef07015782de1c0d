// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/spf13/pflag"
)

// Remote drives a controller peer that answers "open", "close" and "reset"
// commands. Motion is complete when the peer replies OK; a requeue reply
// sends the command again.
type Remote struct {
	name  string
	peer  string
	retry time.Duration
	b     *block.Block

	verb string
	cmd  *block.Command
}

// NewRemote returns a driver named name that forwards to peer.
func NewRemote(name, peer string, retry time.Duration) *Remote {
	if retry <= 0 {
		retry = time.Second
	}
	return &Remote{name: name, peer: peer, retry: retry}
}

// Bind sets the block whose connections carry the commands.
func (r *Remote) Bind(b *block.Block) { r.b = b }

func (r *Remote) Name() string { return r.name }

func (r *Remote) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&r.peer, "remote-peer", r.peer, "controller peer that executes open and close")
}

func (r *Remote) Init(context.Context) error {
	if r.peer == "" {
		return errors.New("remote driver needs a peer")
	}
	return nil
}

func (r *Remote) Info() (map[string]string, error) {
	info := map[string]string{"type": "remote", "peer": r.peer}
	if r.cmd != nil {
		info["last_command"] = r.cmd.Text()
		info["last_outcome"] = r.cmd.Outcome().Kind.String()
	}
	return info, nil
}

func (r *Remote) send(verb string) error {
	if r.b == nil {
		return fmt.Errorf("%w: %s not bound", ErrPeerUnavailable, r.peer)
	}
	c, ok := r.b.FindByName(r.peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, r.peer)
	}
	cmd, err := c.Enqueue(verb, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	r.verb = verb
	r.cmd = cmd
	return nil
}

func (r *Remote) StartOpen() error  { return r.send("open") }
func (r *Remote) StartClose() error { return r.send("close") }

func (r *Remote) PollOpen() Poll  { return r.poll("open") }
func (r *Remote) PollClose() Poll { return r.poll("close") }

func (r *Remote) poll(verb string) Poll {
	if r.cmd == nil || r.verb != verb {
		return Failed(fmt.Errorf("no %s in progress", verb))
	}
	if !r.cmd.Resolved() {
		return Moving(r.retry)
	}
	out := r.cmd.Outcome()
	switch out.Kind {
	case block.OutcomeOK:
		return Done()
	case block.OutcomeRequeue:
		if err := r.send(verb); err != nil {
			return Failed(err)
		}
		return Moving(r.retry)
	default:
		if out.Err != nil {
			return Failed(out.Err)
		}
		return Failed(fmt.Errorf("%s: %d %s", verb, out.Status, out.Text))
	}
}

// Reset sends "reset" to the peer. The machine polls for the reply with
// PollReset and keeps the fault until the peer answers OK.
func (r *Remote) Reset() error {
	r.cmd = nil
	r.verb = ""
	return r.send("reset")
}

func (r *Remote) PollReset() Poll { return r.poll("reset") }

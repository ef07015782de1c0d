// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"errors"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsAreSentOneAtATimeInOrder(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	var order []string
	hook := func(cmd *Command, out Outcome) { order = append(order, cmd.Text()+"="+out.Kind.String()) }

	_, err := c.Enqueue("move 1", hook)
	require.NoError(t, err)
	_, err = c.Enqueue("move 2", hook)
	require.NoError(t, err)
	_, err = c.Enqueue("move 3", hook)
	require.NoError(t, err)

	assert.Equal(t, []string{"move 1"}, ft.lines, "only the head is on the wire")
	assert.Equal(t, 2, c.QueueLen())

	c.handleLine("+000 ok")
	assert.Equal(t, []string{"move 1", "move 2"}, ft.lines)
	c.handleLine("-005 busy")
	c.handleLine("-003 failed")

	assert.Equal(t, []string{"move 1=ok", "move 2=requeue", "move 3=failed"}, order)
	assert.Nil(t, c.InFlight())
	assert.Equal(t, StateOpen, c.State())
}

func TestReplyStatusMapping(t *testing.T) {
	tests := []struct {
		line string
		kind OutcomeKind
	}{
		{"+000 ok", OutcomeOK},
		{"+001 partial", OutcomeOK},
		{"-001 auth", OutcomeFailed},
		{"-002 bad params", OutcomeFailed},
		{"-004 unknown", OutcomeFailed},
		{"-005 requeue", OutcomeRequeue},
		{"-006 not allowed", OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			b, _ := newTestBlock(t, nil)
			c, _ := openOutbound(t, b, "T0")
			cmd, err := c.Enqueue("info", nil)
			require.NoError(t, err)
			c.handleLine(tt.line)
			require.True(t, cmd.Resolved())
			assert.Equal(t, tt.kind, cmd.Outcome().Kind)
		})
	}
}

func TestCloseFailsPendingExactlyOnceInOrder(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	calls := map[string]int{}
	var order []string
	hook := func(cmd *Command, out Outcome) {
		calls[cmd.Text()]++
		order = append(order, cmd.Text())
		assert.Equal(t, OutcomeFailed, out.Kind)
		assert.ErrorIs(t, out.Err, ErrClosed)
	}
	for _, text := range []string{"a", "b", "c"} {
		_, err := c.Enqueue(text, hook)
		require.NoError(t, err)
	}

	c.Close()
	c.Close()
	c.closeWith(ErrTransport)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	for text, n := range calls {
		assert.Equal(t, 1, n, "hook for %s", text)
	}
	assert.True(t, ft.closed)
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrLocalClose)

	_, err := c.Enqueue("d", hook)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, ok := b.FindByName("T0")
	assert.False(t, ok)
}

func TestHookCanEnqueueFollowUp(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	_, err := c.Enqueue("first", func(cmd *Command, _ Outcome) {
		_, err := cmd.Connection().Enqueue("second", nil)
		assert.NoError(t, err)
	})
	require.NoError(t, err)
	c.handleLine("+000")
	assert.Equal(t, []string{"first", "second"}, ft.lines)
}

func TestHookPanicIsContained(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	_, err := c.Enqueue("boom", func(*Command, Outcome) { panic("hook") })
	require.NoError(t, err)
	second, err := c.Enqueue("next", nil)
	require.NoError(t, err)

	require.NotPanics(t, func() { c.handleLine("+000 ok") })
	assert.Equal(t, []string{"boom", "next"}, ft.lines)
	c.handleLine("+000 ok")
	assert.Equal(t, OutcomeOK, second.Outcome().Kind)
}

func TestEnqueueRejections(t *testing.T) {
	b, _ := newTestBlock(t, nil)

	dialing := b.newConnection(RoleOutbound, "T0", "fake-out:T0")
	dialing.setState(StateConnecting)
	b.register(dialing)
	_, err := dialing.Enqueue("info", nil)
	assert.ErrorIs(t, err, ErrNotOpen)
	dialing.Close()

	in, _ := openInbound(t, b, "exec")
	_, err = in.Enqueue("info", nil)
	assert.ErrorIs(t, err, ErrNotCommandable)
}

func TestReplyWithNothingInFlightIsProtocolError(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	c.handleLine("+000 stray")

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrProtocol)
	assert.True(t, ft.closed)
}

func TestMalformedReplyIsProtocolError(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, _ := openOutbound(t, b, "T0")
	cmd, err := c.Enqueue("info", nil)
	require.NoError(t, err)

	c.handleLine("+0x0 garbage")

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrProtocol)
	assert.Equal(t, OutcomeFailed, cmd.Outcome().Kind)
}

func TestInboundKeyExchange(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		b, _ := newTestBlock(t, nil)
		c, _ := openInbound(t, b, "executor")
		got, ok := b.FindByName("executor")
		require.True(t, ok)
		assert.Same(t, c, got)
	})

	for name, line := range map[string]string{
		"wrong key":       "key executor nope",
		"missing key":     "key executor",
		"command first":   "info",
		"reply first":     "+000 hello",
		"unterminated":    `key "executor`,
		"extra parameter": "key executor " + testKey + " more",
	} {
		t.Run(name, func(t *testing.T) {
			b, _ := newTestBlock(t, nil)
			c := b.newConnection(RoleInbound, "", "fake-in:x")
			c.setState(StateKeyExchange)
			b.register(c)
			ft := &fakeTransport{}
			c.attach(ft)

			c.handleLine(line)

			assert.Equal(t, StateClosed, c.State())
			assert.ErrorIs(t, c.CloseReason(), ErrAuth)
			require.NotEmpty(t, ft.lines)
			assert.Equal(t, "-001 authorization failed", ft.lines[0])
			assert.Empty(t, b.Connections())
		})
	}
}

func TestOutboundKeyRejected(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c := b.newConnection(RoleOutbound, "centrald", "fake-out:centrald")
	c.setState(StateConnecting)
	b.register(c)
	ft := &fakeTransport{}
	c.attach(ft)
	c.beginKeyExchange()

	c.handleLine("-001 authorization failed")

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrAuth)
}

func TestOutboundValueBeforeAuthIsProtocolError(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c := b.newConnection(RoleOutbound, "centrald", "fake-out:centrald")
	c.setState(StateConnecting)
	b.register(c)
	c.attach(&fakeTransport{})
	c.beginKeyExchange()

	c.handleLine("phase night")
	assert.ErrorIs(t, c.CloseReason(), ErrProtocol)
}

func TestInboundCommandDispatch(t *testing.T) {
	mux := NewCommandMux()
	mux.Handle("open", func(_ *Connection, req *protocol.Request) protocol.Reply {
		if err := req.End(); err != nil {
			return ParamError(err)
		}
		return OK("opening")
	})
	b, _ := newTestBlock(t, func(o *Options) { o.Commands = mux })
	c, ft := openInbound(t, b, "executor")

	c.handleLine("open")
	c.handleLine("open now")
	c.handleLine("fly")
	c.handleLine("ping")
	c.handleLine("key executor " + testKey)

	assert.Equal(t, []string{
		"+000 opening",
		"-002 unexpected extra parameter: \"now\"",
		"-004 unknown command \"fly\"",
		"+000 pong",
		"-006 already authorized",
	}, ft.lines)
	assert.Equal(t, StateOpen, c.State())
}

func TestCommandHandlerPanicRepliesFailed(t *testing.T) {
	b, _ := newTestBlock(t, func(o *Options) {
		o.Commands = CommandHandlerFunc(func(*Connection, *protocol.Request) protocol.Reply { panic("x") })
	})
	c, ft := openInbound(t, b, "executor")
	c.handleLine("anything")
	assert.Equal(t, "-003 internal error", ft.last())
	assert.Equal(t, StateOpen, c.State())
}

func TestValuePushes(t *testing.T) {
	var got []string
	mux := NewValueMux()
	mux.Handle("RAIN", func(_ *Connection, req *protocol.Request) bool {
		v, err := req.NextInt()
		require.NoError(t, err)
		got = append(got, req.Name)
		return v >= 0
	})
	b, _ := newTestBlock(t, func(o *Options) { o.Values = mux })
	c, _ := openOutbound(t, b, "meteo")

	c.handleLine("RAIN 1")
	c.handleLine("HUMIDITY 40")
	c.handleLine(`bad "unterminated`)

	assert.Equal(t, []string{"RAIN"}, got)
	assert.Equal(t, StateOpen, c.State(), "unknown values are not fatal")
	v, ok := c.ValueFloat("HUMIDITY")
	assert.True(t, ok)
	assert.InDelta(t, 40, v, 1e-9)
}

func TestLivenessTimeoutClosesStalledCommand(t *testing.T) {
	b, clk := newTestBlock(t, func(o *Options) { o.LivenessTimeout = 30 * time.Second })
	c, _ := openOutbound(t, b, "T0")
	cmd, err := c.Enqueue("slow", nil)
	require.NoError(t, err)

	clk.Advance(29 * time.Second)
	b.tick(clk.Now())
	assert.Equal(t, StateOpen, c.State())

	clk.Advance(2 * time.Second)
	b.tick(clk.Now())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrTimeout)
	assert.True(t, errors.Is(cmd.Outcome().Err, ErrTimeout))
}

func TestPerConnectionLivenessOverride(t *testing.T) {
	b, clk := newTestBlock(t, func(o *Options) { o.LivenessTimeout = time.Minute })
	c, _ := openOutbound(t, b, "T0")
	c.SetLivenessTimeout(5 * time.Second)
	_, err := c.Enqueue("slow", nil)
	require.NoError(t, err)

	clk.Advance(6 * time.Second)
	b.tick(clk.Now())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.CloseReason(), ErrTimeout)
}

func TestLoopbackAndRemove(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, lb := b.OpenLoopback(RoleInbound, "imgp")
	require.Equal(t, StateOpen, c.State())

	c.Receive("ping")
	assert.Equal(t, []string{"+000 pong"}, lb.Lines())

	b.Remove(c)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, lb.Closed())
	assert.Empty(t, b.Connections())
}

func TestKeepAliveSendsPingWhenIdle(t *testing.T) {
	b, clk := newTestBlock(t, func(o *Options) {
		o.KeepAlive = 10 * time.Second
		o.LivenessTimeout = 30 * time.Second
	})
	c, ft := openOutbound(t, b, "T0")

	clk.Advance(5 * time.Second)
	b.tick(clk.Now())
	assert.Empty(t, ft.lines)

	clk.Advance(5 * time.Second)
	b.tick(clk.Now())
	assert.Equal(t, []string{"ping"}, ft.lines)
	c.handleLine("+000 pong")
	assert.Nil(t, c.InFlight())
}

func TestInboundSilentPeerTimesOut(t *testing.T) {
	b, clk := newTestBlock(t, func(o *Options) {
		o.KeepAlive = 10 * time.Second
		o.LivenessTimeout = 20 * time.Second
	})
	c, _ := openInbound(t, b, "executor")

	clk.Advance(25 * time.Second)
	c.handleLine("ping")
	clk.Advance(25 * time.Second)
	b.tick(clk.Now())
	assert.Equal(t, StateOpen, c.State())

	clk.Advance(10 * time.Second)
	b.tick(clk.Now())
	assert.ErrorIs(t, c.CloseReason(), ErrTimeout)
}

func TestPollHookRunsOnInterval(t *testing.T) {
	b, clk := newTestBlock(t, nil)
	c, _ := openOutbound(t, b, "T0")
	polls := 0
	c.SetPoll(5*time.Second, func(*Connection, time.Time) { polls++ })

	for i := 0; i < 12; i++ {
		clk.Advance(time.Second)
		b.tick(clk.Now())
	}
	assert.Equal(t, 2, polls)

	c.PollIn(0)
	b.tick(clk.Now())
	assert.Equal(t, 3, polls)
}

func TestWriteFailureClosesConnection(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")
	ft.failWrites = true

	var out Outcome
	_, err := c.Enqueue("info", func(_ *Command, o Outcome) { out = o })
	require.NoError(t, err)

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, OutcomeFailed, out.Kind)
}

func TestFailedSendResolvesCommandOnce(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")
	ft.failWrites = true

	var outs []Outcome
	cmd, err := c.Enqueue("info", func(_ *Command, o Outcome) { outs = append(outs, o) })
	require.NoError(t, err)
	require.NotNil(t, cmd, "a command whose write fails is still returned")

	require.Len(t, outs, 1)
	assert.Equal(t, OutcomeFailed, outs[0].Kind)
	assert.ErrorIs(t, outs[0].Err, ErrClosed)
	assert.ErrorIs(t, outs[0].Err, ErrTransport)
	assert.True(t, cmd.Resolved())
	assert.Equal(t, OutcomeFailed, cmd.Outcome().Kind)

	c.Close()
	assert.Len(t, outs, 1)
}

func TestFailedSendOfQueuedCommandResolvesItOnce(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	c, ft := openOutbound(t, b, "T0")

	counts := map[string]int{}
	kinds := map[string]OutcomeKind{}
	hook := func(cmd *Command, o Outcome) {
		counts[cmd.Text()]++
		kinds[cmd.Text()] = o.Kind
	}
	_, err := c.Enqueue("first", hook)
	require.NoError(t, err)
	second, err := c.Enqueue("second", hook)
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, ft.lines)

	ft.failWrites = true
	c.handleLine("+000 ok")

	assert.Equal(t, map[string]int{"first": 1, "second": 1}, counts)
	assert.Equal(t, OutcomeOK, kinds["first"])
	assert.Equal(t, OutcomeFailed, kinds["second"])
	assert.True(t, second.Resolved())
	assert.Equal(t, StateClosed, c.State())
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		line    string
		want    Reply
		wantErr bool
	}{
		{line: "+000 ok", want: Reply{Status: 0, Text: "ok"}},
		{line: "+000", want: Reply{Status: 0}},
		{line: "-005 requeue", want: Reply{Status: -5, Text: "requeue"}},
		{line: "-002   invalid parameters ", want: Reply{Status: -2, Text: "invalid parameters"}},
		{line: "+12x what", wantErr: true},
		{line: "ok", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseReply(tt.line)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseReply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatReplyRoundTrip(t *testing.T) {
	require.Equal(t, "+000 ok", FormatReply(StatusOK, "ok"))
	require.Equal(t, "-005", FormatReply(StatusRequeue, ""))

	r, err := ParseReply(FormatReply(StatusInvalidParams, StatusText(StatusInvalidParams)))
	require.NoError(t, err)
	require.Equal(t, StatusInvalidParams, r.Status)
	require.False(t, r.OK())
}

func TestIsReplyLineDistinguishesValues(t *testing.T) {
	require.True(t, IsReplyLine("+000"))
	require.True(t, IsReplyLine("-1 bad"))
	require.False(t, IsReplyLine("RAIN 1"))
	require.False(t, IsReplyLine("-"))
	require.False(t, IsReplyLine("+x"))
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		line string
		want *Request
		err  error
	}{
		{line: "open", want: &Request{Name: "open", Params: []string{}}},
		{line: "ignore on", want: &Request{Name: "ignore", Params: []string{"on"}}},
		{line: "correct 12 10.5 -20.25 0.1 0.2", want: &Request{Name: "correct", Params: []string{"12", "10.5", "-20.25", "0.1", "0.2"}}},
		{line: `process "/data/img 1.fits"`, want: &Request{Name: "process", Params: []string{"/data/img 1.fits"}}},
		{line: `say "a \"quoted\" word"`, want: &Request{Name: "say", Params: []string{`a "quoted" word`}}},
		{line: "   ", err: ErrEmpty},
		{line: `x "open`, err: ErrUnterminatedQuote},
		{line: "+000 ok", err: ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseRequest(tt.line)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			opts := cmp.Options{
				cmpopts.IgnoreFields(Request{}, "Raw"),
				cmpopts.IgnoreUnexported(Request{}),
				cmpopts.EquateEmpty(),
			}
			if diff := cmp.Diff(tt.want, got, opts); diff != "" {
				t.Errorf("ParseRequest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestCursor(t *testing.T) {
	req, err := ParseRequest("correct 7 10.5 -3 x")
	require.NoError(t, err)

	id, err := req.NextInt()
	require.NoError(t, err)
	require.EqualValues(t, 7, id)

	ra, err := req.NextFloat()
	require.NoError(t, err)
	require.InDelta(t, 10.5, ra, 1e-9)

	dec, err := req.NextFloat()
	require.NoError(t, err)
	require.InDelta(t, -3.0, dec, 1e-9)

	require.ErrorIs(t, req.End(), ErrExtraParam)

	_, err = req.NextFloat()
	require.ErrorIs(t, err, ErrBadParam)

	_, err = req.NextString()
	require.ErrorIs(t, err, ErrMissingParam)
	require.NoError(t, req.End())
}

func TestNextBool(t *testing.T) {
	req, err := ParseRequest("ignore on OFF maybe")
	require.NoError(t, err)
	v, err := req.NextBool()
	require.NoError(t, err)
	require.True(t, v)
	v, err = req.NextBool()
	require.NoError(t, err)
	require.False(t, v)
	_, err = req.NextBool()
	require.ErrorIs(t, err, ErrBadParam)
}

func TestFormatQuotesParams(t *testing.T) {
	line := Format("correct", 3, 10.5, "a b", true)
	require.Equal(t, `correct 3 10.5 "a b" on`, line)

	req, err := ParseRequest(line)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "10.5", "a b", "on"}, req.Params)
}

func TestKeyHandshake(t *testing.T) {
	req, err := ParseRequest(FormatKey("DOME", "s3cret"))
	require.NoError(t, err)
	name, key, err := ParseKey(req)
	require.NoError(t, err)
	require.Equal(t, "DOME", name)
	require.True(t, KeyMatches(key, "s3cret"))
	require.False(t, KeyMatches(key, "other"))
	require.False(t, KeyMatches("", ""), "empty shared key never matches")

	req, err = ParseRequest("open")
	require.NoError(t, err)
	_, _, err = ParseKey(req)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestScannerReturnsPartialFinalLine(t *testing.T) {
	s := NewScanner(strings.NewReader("one\r\ntwo"))
	var lines []string
	for s.Scan() {
		lines = append(lines, CleanLine(s.Text()))
	}
	require.NoError(t, s.Err())
	require.Equal(t, []string{"one", "two"}, lines)
}

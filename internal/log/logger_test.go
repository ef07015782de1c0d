// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextWithConnID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		id   string
		want string
	}{
		{name: "nil context", ctx: nil, id: "conn-1", want: "conn-1"},
		{name: "background context", ctx: context.Background(), id: "conn-2", want: "conn-2"},
		{name: "empty id", ctx: context.Background(), id: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithConnID(tt.ctx, tt.id)
			if got := ConnIDFromContext(ctx); got != tt.want {
				t.Errorf("ConnIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})
	t.Cleanup(func() { Configure(Config{}) })

	ctx := ContextWithCommandID(ContextWithConnID(context.Background(), "c1"), "cmd1")
	logger := WithComponentFromContext(ctx, "block")
	logger.Info().Str(FieldEvent, "test.event").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "test", entry["service"])
	require.Equal(t, "block", entry[FieldComponent])
	require.Equal(t, "c1", entry[FieldConnID])
	require.Equal(t, "cmd1", entry[FieldCommandID])
	require.Equal(t, "test.event", entry[FieldEvent])
}

func TestWithContextWithoutFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	logger := WithContext(context.Background(), WithComponent("x"))
	logger.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasConn := entry[FieldConnID]
	require.False(t, hasConn)
}

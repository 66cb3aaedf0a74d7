package logctx

import (
	"bytes"
	"context"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestFrom_DefaultsWhenMissing(t *testing.T) {
	assert.Same(t, log.Default(), From(context.Background()))
}

func TestWith_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, log.DebugLevel)
	ctx := With(context.Background(), l)
	assert.Same(t, l, From(ctx))

	From(ctx).Debug("applied", "records", 3)
	assert.Contains(t, buf.String(), "applied")
	assert.Contains(t, buf.String(), "records=3")
}

func TestProgress_Done(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(New(&buf, log.InfoLevel))
	p.Done("exported", "nodes", 2)
	assert.Contains(t, buf.String(), "exported")
	assert.Contains(t, buf.String(), "elapsed=")
}

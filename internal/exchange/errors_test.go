package exchange

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("boom")

	transient := NewTransient("binance", cause)
	assert.True(t, IsTransient(transient))
	assert.False(t, IsRejected(transient))
	assert.False(t, IsFatal(transient))

	rejected := NewRejected("bybit", cause)
	assert.True(t, IsRejected(rejected))
	assert.False(t, IsTransient(rejected))

	fatal := NewFatal("hyperliquid", cause)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("api key revoked")
	err := NewFatal("binance", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "binance")
	assert.Contains(t, err.Error(), "fatal")
}

func TestWrappedKindSurvives(t *testing.T) {
	err := errors.Wrap(NewRejected("binance", errors.New("below minimum")), "place order")
	assert.True(t, IsRejected(err), "classification survives wrapping")
}

func TestPlainNetworkErrorsAreTransient(t *testing.T) {
	var netErr net.Error = &net.DNSError{Err: "no such host", IsTemporary: true}
	assert.True(t, IsTransient(netErr))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.Wrap(context.DeadlineExceeded, "fetch price")))

	assert.False(t, IsTransient(errors.New("some logic error")), "unclassified errors are not retried")
}

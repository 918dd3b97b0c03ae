// File: internal/service/components_test.go
package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/service"
)

type closeCountingTransport struct {
	closed   int
	closeErr error
}

func (c *closeCountingTransport) Name() string { return "counting" }
func (c *closeCountingTransport) Send(context.Context, schemas.Message) error { return nil }
func (c *closeCountingTransport) Receive(context.Context) ([]schemas.Message, error) {
	return nil, nil
}
func (c *closeCountingTransport) List(context.Context, schemas.MessageType) ([]schemas.Message, error) {
	return nil, nil
}
func (c *closeCountingTransport) Close() error {
	c.closed++
	return c.closeErr
}

func TestShutdownToleratesEmptyComponents(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { (&service.Components{}).Shutdown() })
}

func TestShutdownClosesTransport(t *testing.T) {
	t.Parallel()
	transport := &closeCountingTransport{}
	components := &service.Components{Transport: transport}

	components.Shutdown()
	assert.Equal(t, 1, transport.closed)
}

func TestShutdownSwallowsCloseError(t *testing.T) {
	t.Parallel()
	transport := &closeCountingTransport{closeErr: errors.New("socket gone")}
	components := &service.Components{Transport: transport}

	assert.NotPanics(t, components.Shutdown)
	assert.Equal(t, 1, transport.closed)
}

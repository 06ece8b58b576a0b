//go:build !linux

package builtin

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("builtin:unit: systemd is linux only")

type unitClient struct{}

func newUnitClient() *unitClient { return &unitClient{} }

func (*unitClient) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, errUnsupported
}

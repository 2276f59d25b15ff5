package main

import (
	"encoding/json"

	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/outbound"
)

// singboxOutboundAdapter satisfies dialer.Builder over an
// *outbound.SingboxBuilder. A separate type is needed because
// SingboxBuilder.Build returns sing-box's adapter.Outbound, and Go requires
// an exact method signature match for interface satisfaction even though
// adapter.Outbound's method set is a superset of dialer.Outbound's.
type singboxOutboundAdapter struct {
	builder *outbound.SingboxBuilder
}

func newSingboxOutboundAdapter(builder *outbound.SingboxBuilder) *singboxOutboundAdapter {
	return &singboxOutboundAdapter{builder: builder}
}

func (a *singboxOutboundAdapter) Build(rawOptions json.RawMessage) (dialer.Outbound, error) {
	ob, err := a.builder.Build(rawOptions)
	if err != nil {
		return nil, err
	}
	return ob, nil
}

package commands

import "github.com/google/uuid"

// newEndpointID generates an endpoint id with a readable prefix.
func newEndpointID() string {
	return "ep_" + uuid.NewString()
}

package run

import (
	"fmt"

	"github.com/user/chatflow/internal/types"
)

// ResolveChain flattens the primary agent's edges into an ordered agent
// list, primary first. Edges are resolved once here rather than traversed
// during streaming, which keeps recursion-limit and attribution logic
// simple. Chained agents participate only when the primary declares
// outgoing edges and the tenant has chaining enabled.
func ResolveChain(primary *types.AgentSpec, registry types.AgentRegistry, chainingEnabled bool) ([]*types.AgentSpec, error) {
	if primary == nil {
		return nil, fmt.Errorf("resolve chain: nil primary agent")
	}
	chain := []*types.AgentSpec{primary}
	if !chainingEnabled || len(primary.Edges) == 0 {
		return chain, nil
	}

	seen := map[types.AgentID]bool{primary.ID: true}
	frontier := append([]types.AgentID(nil), primary.Edges...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		spec, ok := registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("resolve chain: agent %s references unknown agent %s", primary.ID, id)
		}
		chain = append(chain, spec)
		frontier = append(frontier, spec.Edges...)
	}
	return chain, nil
}

package config

import (
	"fmt"
	"strings"

	"kvrepair/internal/ring"
)

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, addr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{ID: id, Addr: addr})
	}

	return peers, nil
}

// BuildRingNodes converts the configured peers plus self into ring nodes.
// Self is listed first; a peer entry naming self is skipped.
func (c *Config) BuildRingNodes() []ring.Node {
	nodes := make([]ring.Node, 0, len(c.Node.Peers)+1)
	nodes = append(nodes, ring.Node{ID: c.Node.ID, Addr: c.Node.ListenAddr})

	for _, peer := range c.Node.Peers {
		if peer.ID != c.Node.ID {
			nodes = append(nodes, ring.Node{ID: peer.ID, Addr: peer.Addr})
		}
	}

	return nodes
}

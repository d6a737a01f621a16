package rpc

import (
	"kvrepair/internal/config"
	"kvrepair/internal/gossip"
	"kvrepair/internal/history"
	"kvrepair/internal/storage"
)

// Empty is the response of calls that return nothing.
type Empty struct{}

type PingRequest struct {
	From string `json:"from"`
}

type PingResponse struct {
	NodeID string `json:"node_id"`
}

type GossipRequest struct {
	From    string          `json:"from"`
	Members []gossip.Member `json:"members"`
}

type GossipResponse struct {
	Members []gossip.Member `json:"members"`
}

// MutationRequest carries a replica write.
type MutationRequest struct {
	Keyspace  string             `json:"keyspace"`
	Table     string             `json:"table"`
	Fragments []storage.Fragment `json:"fragments"`
}

// FlushRequest is repair_flush_hints_batchlog_request.
type FlushRequest struct {
	From string `json:"from"`
}

type DigestResponse struct {
	Leaves []uint64 `json:"leaves"`
}

type HashResponse struct {
	Hashes map[string]uint64 `json:"hashes"`
}

type FetchResponse struct {
	Partitions map[string][]storage.Fragment `json:"partitions"`
}

type HistoryRequest struct {
	Entries []history.Entry `json:"entries"`
}

type InjectionRequest struct {
	Name string `json:"name"`
}

// ConfigRequest reads an item, or updates it through the config table
// when Value is set.
type ConfigRequest struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

type ConfigResponse struct {
	Row config.Row `json:"row"`
}

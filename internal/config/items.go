package config

// Item names.
const (
	ItemCompactForStreaming     = "enable_compacting_data_for_streaming_and_repair"
	ItemTombstoneGCForStreaming = "enable_tombstone_gc_for_streaming_and_repair"
	ItemHintedHandoffEnabled    = "hinted_handoff_enabled"
	ItemMaxHintWindowMs         = "max_hint_window_in_ms"
	ItemRepairRangesParallelism = "repair_ranges_parallelism"
	ItemNumTokens               = "num_tokens"
	ItemListenAddress           = "listen_address"
)

// DefaultItems returns the items every node registers.
func DefaultItems() []Definition {
	return []Definition{
		{
			Name:        ItemCompactForStreaming,
			Kind:        KindBool,
			Default:     true,
			LiveUpdate:  true,
			Description: "Compact data in memory before streaming it for repair",
		},
		{
			Name:        ItemTombstoneGCForStreaming,
			Kind:        KindBool,
			Default:     false,
			LiveUpdate:  true,
			Description: "Allow tombstones to be garbage collected while reading data for repair and streaming",
		},
		{
			Name:        ItemHintedHandoffEnabled,
			Kind:        KindBool,
			Default:     true,
			LiveUpdate:  true,
			Description: "Store hints for writes to unavailable replicas",
		},
		{
			Name:        ItemMaxHintWindowMs,
			Kind:        KindInt,
			Default:     10800000,
			LiveUpdate:  true,
			Description: "Stop storing hints for a replica that has been down longer than this",
		},
		{
			Name:        ItemRepairRangesParallelism,
			Kind:        KindInt,
			Default:     4,
			LiveUpdate:  true,
			Description: "Number of token ranges a repair session diffs concurrently",
		},
		{
			Name:        ItemNumTokens,
			Kind:        KindInt,
			Default:     16,
			Description: "Number of tokens (vnodes) owned by this node",
		},
		{
			Name:        ItemListenAddress,
			Kind:        KindString,
			Default:     "127.0.0.1:7000",
			Description: "Address for internode traffic",
		},
	}
}

// FlagName maps an item name to its command-line flag name.
func FlagName(item string) string {
	out := []byte(item)
	for i, c := range out {
		if c == '_' {
			out[i] = '-'
		}
	}
	return string(out)
}

package storage

// MutationFragment is one element of the mutation-fragment stream of a
// partition, as returned by the MUTATION_FRAGMENTS() table view.
type MutationFragment struct {
	PartitionKey  string `json:"pk"`
	Kind          string `json:"mutation_fragment_kind"`
	ClusteringKey string `json:"ck,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
}

const (
	FragmentPartitionStart       = "partition start"
	FragmentClusteringRow        = "clustering row"
	FragmentRangeTombstoneChange = "range tombstone change"
	FragmentPartitionEnd         = "partition end"
)

// MutationFragments renders a merged partition as a fragment stream. An
// empty partition has no stream. Range tombstones appear as a pair of
// changes, one opening and one closing the range.
func MutationFragments(merged []Fragment) []MutationFragment {
	if len(merged) == 0 {
		return nil
	}
	pk := merged[0].PartitionKey

	out := []MutationFragment{{PartitionKey: pk, Kind: FragmentPartitionStart}}
	for _, f := range merged {
		switch f.Kind {
		case KindPartitionTombstone:
			out[0].Metadata = "tombstone"
		case KindRow:
			mf := MutationFragment{PartitionKey: pk, Kind: FragmentClusteringRow, ClusteringKey: f.ClusteringKey}
			if f.Deleted {
				mf.Metadata = "tombstone"
			}
			out = append(out, mf)
		case KindRangeTombstone:
			out = append(out,
				MutationFragment{PartitionKey: pk, Kind: FragmentRangeTombstoneChange, ClusteringKey: f.ClusteringKey, Metadata: "start"},
				MutationFragment{PartitionKey: pk, Kind: FragmentRangeTombstoneChange, ClusteringKey: f.RangeEnd, Metadata: "end"},
			)
		}
	}
	return append(out, MutationFragment{PartitionKey: pk, Kind: FragmentPartitionEnd})
}

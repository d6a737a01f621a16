// Package rpc is the node-to-node gRPC service of kvrepair: membership,
// replica writes, the repair protocol and remote inspection of config and
// injection points. Messages are plain Go structs carried by a JSON codec;
// protobuf messages such as structpb.Struct keep their binary encoding.
package rpc

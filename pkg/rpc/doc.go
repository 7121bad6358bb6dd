/*
Package rpc exposes the version manager's control-plane operations over
gRPC: epoch commits, version/snapshot pinning, SST id allocation, and the
compaction task stream between the meta node and compactor processes.

There is no protobuf toolchain in this environment, so the wire messages
are plain Go structs carried by a small registered codec
(encoding/json under the hood) instead of generated protobuf types. The
service is still registered as a standard grpc.ServiceDesc, the same
shape protoc-gen-go-grpc would emit, so everything downstream of
grpc.NewServer/grpc.NewClient behaves exactly as it would with a
generated client.

Transport is mTLS: the meta node, every compactor, and hmctl all
authenticate with certificates chained to the cluster's root CA (see
pkg/security).
*/
package rpc

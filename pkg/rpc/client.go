package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/hummock/pkg/security"
	"github.com/cuemby/hummock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Client is a thin wrapper over a grpc.ClientConn dialed to a meta node,
// used by cmd/compactor and cmd/hmctl. There is no generated stub, so
// each RPC is a direct conn.Invoke/NewStream call keyed by method path.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a meta node at addr, authenticating with the
// certificate loaded from certDir and trusting certDir's CA.
func Dial(ctx context.Context, addr, certDir string) (*Client, error) {
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caCert, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func method(name string) string { return "/" + ServiceName + "/" + name }

func (c *Client) CommitEpoch(ctx context.Context, req *CommitEpochRequest) (*CommitEpochResponse, error) {
	resp := new(CommitEpochResponse)
	if err := c.conn.Invoke(ctx, method("CommitEpoch"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PinVersion(ctx context.Context, req *PinVersionRequest) (*PinVersionResponse, error) {
	resp := new(PinVersionResponse)
	if err := c.conn.Invoke(ctx, method("PinVersion"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) UnpinVersion(ctx context.Context, req *UnpinVersionRequest) (*UnpinVersionResponse, error) {
	resp := new(UnpinVersionResponse)
	if err := c.conn.Invoke(ctx, method("UnpinVersion"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) UnpinVersionBefore(ctx context.Context, req *UnpinVersionBeforeRequest) (*UnpinVersionBeforeResponse, error) {
	resp := new(UnpinVersionBeforeResponse)
	if err := c.conn.Invoke(ctx, method("UnpinVersionBefore"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) PinSnapshot(ctx context.Context, req *PinSnapshotRequest) (*PinSnapshotResponse, error) {
	resp := new(PinSnapshotResponse)
	if err := c.conn.Invoke(ctx, method("PinSnapshot"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) UnpinSnapshotBefore(ctx context.Context, req *UnpinSnapshotBeforeRequest) (*UnpinSnapshotBeforeResponse, error) {
	resp := new(UnpinSnapshotBeforeResponse)
	if err := c.conn.Invoke(ctx, method("UnpinSnapshotBefore"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetNewSstIds(ctx context.Context, req *GetNewSstIdsRequest) (*GetNewSstIdsResponse, error) {
	resp := new(GetNewSstIdsResponse)
	if err := c.conn.Invoke(ctx, method("GetNewSstIds"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ReportCompactionTask(ctx context.Context, req *ReportCompactionTaskRequest) (*ReportCompactionTaskResponse, error) {
	resp := new(ReportCompactionTaskResponse)
	if err := c.conn.Invoke(ctx, method("ReportCompactionTask"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) TriggerManualCompaction(ctx context.Context, req *TriggerManualCompactionRequest) (*TriggerManualCompactionResponse, error) {
	resp := new(TriggerManualCompactionResponse)
	if err := c.conn.Invoke(ctx, method("TriggerManualCompaction"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CompactTaskSubscription is the client side of the SubscribeCompactTasks
// server stream.
type CompactTaskSubscription struct {
	stream grpc.ClientStream
}

// SubscribeCompactTasks opens the long-lived stream a compactor reads
// assigned tasks from.
func (c *Client) SubscribeCompactTasks(ctx context.Context, contextID types.ContextID) (*CompactTaskSubscription, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, method("SubscribeCompactTasks"))
	if err != nil {
		return nil, fmt.Errorf("open subscribe stream: %w", err)
	}
	if err := stream.SendMsg(&SubscribeCompactTasksRequest{ContextID: contextID}); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe request: %w", err)
	}
	return &CompactTaskSubscription{stream: stream}, nil
}

// Recv blocks for the next assigned task, returning io.EOF (wrapped by
// grpc) when the meta node closes the stream.
func (s *CompactTaskSubscription) Recv() (*types.CompactTask, error) {
	task := new(types.CompactTask)
	if err := s.stream.RecvMsg(task); err != nil {
		return nil, err
	}
	return task, nil
}

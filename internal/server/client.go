package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/forge-queue/internal/submit"
	"github.com/ChuLiYu/forge-queue/pkg/types"
)

// Client JobService 的 gRPC 客戶端（CLI 使用）
type Client struct {
	conn *grpc.ClientConn
}

// Dial 建立到 addr 的連線
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient 使用既有連線
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitJob 提交單筆任務
func (c *Client) SubmitJob(ctx context.Context, req submit.Request) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, methodSubmitJob, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitBatch 提交一批任務
func (c *Client) SubmitBatch(ctx context.Context, owner string, reqs []submit.Request) (*submit.BatchResult, error) {
	var res submit.BatchResult
	if err := c.invoke(ctx, methodSubmitBatch, batchRequest{OwnerID: owner, Jobs: reqs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob 查詢任務
func (c *Client) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, methodGetJob, idRequest{ID: string(id)}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob 取消任務
func (c *Client) CancelJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var job types.Job
	if err := c.invoke(ctx, methodCancelJob, idRequest{ID: string(id)}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

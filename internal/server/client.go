package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fedqueue/internal/dispatcher"
	"github.com/ChuLiYu/fedqueue/pkg/types"
)

// Client 是 JobService 的客戶端，給 CLI 使用
type Client struct {
	conn *grpc.ClientConn
}

// Dial 以 insecure credentials 連線（服務只對內部網路開放）
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Enqueue 送出一個任務，回傳 job id
func (c *Client) Enqueue(ctx context.Context, kind types.Kind, payload json.RawMessage) (types.JobID, error) {
	var p structpb.Value
	if err := p.UnmarshalJSON(payload); err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":    structpb.NewStringValue(string(kind)),
		"payload": &p,
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, enqueueMethod, req, resp); err != nil {
		return "", err
	}
	return types.JobID(resp.GetFields()["id"].GetStringValue()), nil
}

// Stats 取得服務端的 dispatcher 狀態
func (c *Client) Stats(ctx context.Context) (dispatcher.Status, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statsMethod, &emptypb.Empty{}, resp); err != nil {
		return dispatcher.Status{}, err
	}
	raw, err := resp.MarshalJSON()
	if err != nil {
		return dispatcher.Status{}, err
	}
	var s dispatcher.Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return dispatcher.Status{}, fmt.Errorf("decode stats: %w", err)
	}
	return s, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

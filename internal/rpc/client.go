package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// Client runs searches on a remote server. It implements
// registration.Searcher, so a remote search drains like a local one.
type Client struct {
	conn *grpc.ClientConn
}

var _ registration.Searcher = (*Client)(nil)

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Search streams a remote search. Transport errors and rejected requests
// become failed events. Cancelling ctx ends the sequence silently.
func (c *Client) Search(ctx context.Context, req registration.Request) iter.Seq[registration.Event] {
	return func(yield func(registration.Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		fail := func(err error) {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			yield(registration.Event{Kind: registration.EventFailed, Err: err, Error: err.Error()})
		}

		msg, err := toStruct(req)
		if err != nil {
			fail(err)
			return
		}
		stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], searchMethod)
		if err != nil {
			fail(fmt.Errorf("open search stream: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			fail(fmt.Errorf("send request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			fail(fmt.Errorf("close send: %w", err))
			return
		}

		for {
			out := &structpb.Struct{}
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(fmt.Errorf("search stream: %w", err))
				return
			}
			var ev registration.Event
			if err := fromStruct(out, &ev); err != nil {
				fail(err)
				return
			}
			if ev.Kind == registration.EventFailed {
				if ev.Failure != nil {
					ev.Err = ev.Failure.Err()
				} else {
					ev.Err = errors.New(ev.Error)
				}
			}
			if !yield(ev) {
				return
			}
		}
	}
}

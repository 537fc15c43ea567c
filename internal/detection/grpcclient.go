package detection

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// sidecarMethod is the unary RPC name exposed by the out-of-process
// inference sidecar ([FULL-1]: "gRPC + protobuf for the out-of-process
// inference sidecar call").
const sidecarMethod = "/lightnvr.inference.InferenceService/Detect"

// GRPCClient calls an inference sidecar over a plain grpc.ClientConn
// using Invoke directly rather than generated stubs — the dispatcher's
// wire contract is a single unary method, so a hand-rolled
// proto.Message pair is simpler than vendoring a .proto toolchain for
// one RPC (grounded on internal/relay/grpc_server.go's bounded unary
// handler shape, minus its multi-RPC service surface).
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient wraps an already-dialed connection to the sidecar.
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Detect implements Client by invoking the sidecar's unary Detect RPC.
func (c *GRPCClient) Detect(ctx context.Context, task Task) (Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"stream_name":  task.StreamName,
		"packet":       task.PacketClone,
		"codec_params": task.CodecParams,
	})
	if err != nil {
		return Result{}, fmt.Errorf("building detection request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, sidecarMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("invoking inference sidecar: %w", err)
	}

	return parseResult(task.StreamName, resp)
}

func parseResult(streamName string, resp *structpb.Struct) (Result, error) {
	result := Result{StreamName: streamName}

	dets, ok := resp.Fields["detections"]
	if !ok {
		return result, nil
	}
	for _, v := range dets.GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		result.Detections = append(result.Detections, Detection{
			Label:      fields["label"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
			X:          fields["x"].GetNumberValue(),
			Y:          fields["y"].GetNumberValue(),
			W:          fields["w"].GetNumberValue(),
			H:          fields["h"].GetNumberValue(),
		})
	}
	return result, nil
}

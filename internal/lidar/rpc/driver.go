package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/geo/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/scanbridge/internal/lidar/l2frames"
	"github.com/banshee-data/scanbridge/internal/lidar/pipeline"
	"github.com/banshee-data/scanbridge/internal/lidar/publish"
	"github.com/banshee-data/scanbridge/internal/monitoring"
)

// Controller is the part of the pipeline the Driver service drives.
type Controller interface {
	Rearm()
	Status() pipeline.Status
}

// Driver implements DriverServer on top of a pipeline and a publisher.
type Driver struct {
	ctl Controller
	pub *publish.Publisher
}

var _ DriverServer = (*Driver)(nil)

// NewDriver creates the Driver service.
func NewDriver(ctl Controller, pub *publish.Publisher) *Driver {
	return &Driver{ctl: ctl, pub: pub}
}

// ResetPpsCounterTrigger re-arms the PPS handshake. It always succeeds; the
// handshake itself happens on the next in-window rotation.
func (d *Driver) ResetPpsCounterTrigger(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	d.ctl.Rearm()
	return wrapperspb.Bool(true), nil
}

// GetStatus returns the pipeline status as a struct.
func (d *Driver) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := statusStruct(d.ctl.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return st, nil
}

func statusStruct(st pipeline.Status) (*structpb.Struct, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// StreamPointClouds streams PCD-encoded frames of the requested return
// channel until the client goes away.
func (d *Driver) StreamPointClouds(req *wrapperspb.UInt32Value, stream grpc.ServerStream) error {
	ret := int(req.GetValue())
	if returns := d.ctl.Status().Returns; ret >= returns {
		return status.Errorf(codes.InvalidArgument, "return index %d out of range (sensor has %d)", ret, returns)
	}

	sub := d.pub.SubscribeFrames(ret)
	defer d.pub.Unsubscribe(sub.ID)
	monitoring.Debugf("[rpc] point cloud stream %s opened for return %d", sub.ID, ret)

	ctx := stream.Context()
	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return status.Error(codes.Unavailable, "publisher stopped")
		case f := <-sub.Frames():
			buf.Reset()
			if err := l2frames.WritePCD(&buf, f); err != nil {
				return status.Errorf(codes.Internal, "encode frame: %v", err)
			}
			if err := stream.SendMsg(wrapperspb.Bytes(buf.Bytes())); err != nil {
				return err
			}
		}
	}
}

// StreamImu streams IMU samples until the client goes away.
func (d *Driver) StreamImu(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := d.pub.SubscribeIMU()
	defer d.pub.Unsubscribe(sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return status.Error(codes.Unavailable, "publisher stopped")
		case s := <-sub.IMU():
			msg, err := imuStruct(s)
			if err != nil {
				return status.Errorf(codes.Internal, "encode imu sample: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// imuStruct encodes a sample. Timestamps travel as decimal strings since
// struct numbers are doubles.
func imuStruct(s pipeline.ImuSample) (*structpb.Struct, error) {
	vec := func(v r3.Vector) []interface{} { return []interface{}{v.X, v.Y, v.Z} }
	return structpb.NewStruct(map[string]interface{}{
		"frame_name":          s.FrameName,
		"timestamp":           strconv.FormatInt(s.Timestamp, 10),
		"device_timestamp":    strconv.FormatUint(s.DeviceTimestamp, 10),
		"linear_acceleration": vec(s.LinearAcceleration),
		"angular_velocity":    vec(s.AngularVelocity),
	})
}

func imuFromStruct(st *structpb.Struct) (pipeline.ImuSample, error) {
	f := st.GetFields()
	var s pipeline.ImuSample
	var err error
	s.FrameName = f["frame_name"].GetStringValue()
	if s.Timestamp, err = strconv.ParseInt(f["timestamp"].GetStringValue(), 10, 64); err != nil {
		return s, fmt.Errorf("bad timestamp: %w", err)
	}
	if s.DeviceTimestamp, err = strconv.ParseUint(f["device_timestamp"].GetStringValue(), 10, 64); err != nil {
		return s, fmt.Errorf("bad device timestamp: %w", err)
	}
	vec := func(key string) (r3.Vector, error) {
		vals := f[key].GetListValue().GetValues()
		if len(vals) != 3 {
			return r3.Vector{}, fmt.Errorf("%s needs 3 components, got %d", key, len(vals))
		}
		return r3.Vector{X: vals[0].GetNumberValue(), Y: vals[1].GetNumberValue(), Z: vals[2].GetNumberValue()}, nil
	}
	if s.LinearAcceleration, err = vec("linear_acceleration"); err != nil {
		return s, err
	}
	if s.AngularVelocity, err = vec("angular_velocity"); err != nil {
		return s, err
	}
	return s, nil
}

// DriverClient calls the Driver service.
type DriverClient struct {
	conn grpc.ClientConnInterface
}

// NewDriverClient wraps a connection.
func NewDriverClient(conn grpc.ClientConnInterface) *DriverClient {
	return &DriverClient{conn: conn}
}

// Rearm triggers a PPS re-arm.
func (c *DriverClient) Rearm(ctx context.Context) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, ResetPpsCounterTriggerMethod, &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Status fetches the pipeline status.
func (c *DriverClient) Status(ctx context.Context) (map[string]interface{}, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetStatusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// FrameStream receives decoded frames.
type FrameStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (s *FrameStream) Recv() (*l2frames.PointCloudFrame, error) {
	msg := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return l2frames.ReadPCD(bytes.NewReader(msg.GetValue()))
}

// StreamPointClouds opens a frame stream for one return channel.
func (c *DriverClient) StreamPointClouds(ctx context.Context, ret int) (*FrameStream, error) {
	stream, err := c.openStream(ctx, &driverServiceDesc.Streams[0], StreamPointCloudsMethod, wrapperspb.UInt32(uint32(ret)))
	if err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}

// ImuStream receives decoded IMU samples.
type ImuStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next sample.
func (s *ImuStream) Recv() (pipeline.ImuSample, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return pipeline.ImuSample{}, err
	}
	return imuFromStruct(msg)
}

// StreamImu opens an IMU stream.
func (c *DriverClient) StreamImu(ctx context.Context) (*ImuStream, error) {
	stream, err := c.openStream(ctx, &driverServiceDesc.Streams[1], StreamImuMethod, &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	return &ImuStream{stream: stream}, nil
}

func (c *DriverClient) openStream(ctx context.Context, desc *grpc.StreamDesc, method string, req interface{}) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

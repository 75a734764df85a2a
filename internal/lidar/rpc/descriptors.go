package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Fully qualified service and method names.
const (
	PpsCounterServiceName = "vehicle_interface.PpsCounter"
	DriverServiceName     = "lidar_driver.Driver"

	ResetPpsCounterMethod        = "/vehicle_interface.PpsCounter/ResetPpsCounter"
	ResetPpsCounterTriggerMethod = "/lidar_driver.Driver/ResetPpsCounterTrigger"
	GetStatusMethod              = "/lidar_driver.Driver/GetStatus"
	StreamPointCloudsMethod      = "/lidar_driver.Driver/StreamPointClouds"
	StreamImuMethod              = "/lidar_driver.Driver/StreamImu"
)

// PpsCounterServer is the vehicle-interface side of the PPS handshake.
type PpsCounterServer interface {
	// ResetPpsCounter zeroes the PPS second counter and returns the
	// reference time of the reset in ns.
	ResetPpsCounter(ctx context.Context, req *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// DriverServer is the driver's own service.
type DriverServer interface {
	ResetPpsCounterTrigger(ctx context.Context, req *emptypb.Empty) (*wrapperspb.BoolValue, error)
	GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	// StreamPointClouds streams binary PCD frames of one return channel.
	StreamPointClouds(req *wrapperspb.UInt32Value, stream grpc.ServerStream) error
	// StreamImu streams IMU samples as structs.
	StreamImu(req *emptypb.Empty, stream grpc.ServerStream) error
}

// RegisterPpsCounterServer registers srv on s.
func RegisterPpsCounterServer(s grpc.ServiceRegistrar, srv PpsCounterServer) {
	s.RegisterService(&ppsCounterServiceDesc, srv)
}

// RegisterDriverServer registers srv on s.
func RegisterDriverServer(s grpc.ServiceRegistrar, srv DriverServer) {
	s.RegisterService(&driverServiceDesc, srv)
}

var ppsCounterServiceDesc = grpc.ServiceDesc{
	ServiceName: PpsCounterServiceName,
	HandlerType: (*PpsCounterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResetPpsCounter", Handler: resetPpsCounterHandler},
	},
	Metadata: "vehicle_interface.proto",
}

var driverServiceDesc = grpc.ServiceDesc{
	ServiceName: DriverServiceName,
	HandlerType: (*DriverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResetPpsCounterTrigger", Handler: resetPpsCounterTriggerHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamPointClouds", Handler: streamPointCloudsHandler, ServerStreams: true},
		{StreamName: "StreamImu", Handler: streamImuHandler, ServerStreams: true},
	},
	Metadata: "lidar_driver.proto",
}

func resetPpsCounterHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PpsCounterServer).ResetPpsCounter(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetPpsCounterMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PpsCounterServer).ResetPpsCounter(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resetPpsCounterTriggerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverServer).ResetPpsCounterTrigger(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetPpsCounterTriggerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverServer).ResetPpsCounterTrigger(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamPointCloudsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.UInt32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DriverServer).StreamPointClouds(in, stream)
}

func streamImuHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DriverServer).StreamImu(in, stream)
}

package library

import (
	"context"
	"fmt"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ---------------------------------------------------------------------------
// Remote: feature registry client
// ---------------------------------------------------------------------------
//
// The registry speaks one unary RPC, greta.library.v1.Registry/GetFeature:
// the request names a feature, the response carries its YAML document.
// The service descriptor is assembled in process and the messages are
// dynamic, so no generated stubs are involved on either side of the call.

const registryMethodPath = "/greta.library.v1.Registry/GetFeature"

var (
	registryOnce   sync.Once
	registryMthDsc *desc.MethodDescriptor
	registryDscErr error
)

func registryMethod() (*desc.MethodDescriptor, error) {
	registryOnce.Do(func() {
		fdp := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("greta/library/v1/registry.proto"),
			Package: proto.String("greta.library.v1"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("GetFeatureRequest"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:   proto.String("name"),
						Number: proto.Int32(1),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					}},
				},
				{
					Name: proto.String("GetFeatureResponse"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:   proto.String("document"),
						Number: proto.Int32(1),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(),
					}},
				},
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("Registry"),
				Method: []*descriptorpb.MethodDescriptorProto{{
					Name:       proto.String("GetFeature"),
					InputType:  proto.String(".greta.library.v1.GetFeatureRequest"),
					OutputType: proto.String(".greta.library.v1.GetFeatureResponse"),
				}},
			}},
		}

		fd, err := desc.CreateFileDescriptor(fdp)
		if err != nil {
			registryDscErr = fmt.Errorf("library: building registry descriptor: %w", err)
			return
		}
		svc := fd.FindService("greta.library.v1.Registry")
		if svc == nil {
			registryDscErr = fmt.Errorf("library: registry service missing from descriptor")
			return
		}
		registryMthDsc = svc.FindMethodByName("GetFeature")
		if registryMthDsc == nil {
			registryDscErr = fmt.Errorf("library: GetFeature missing from registry descriptor")
		}
	})
	return registryMthDsc, registryDscErr
}

// Remote is a connection to a feature registry.
type Remote struct {
	conn   *grpc.ClientConn
	target string
	method *desc.MethodDescriptor
}

// DialRemote connects to the registry at target. The connection is
// lazy; an unreachable registry surfaces on the first fetch.
func DialRemote(target string) (*Remote, error) {
	md, err := registryMethod()
	if err != nil {
		return nil, err
	}
	conn, err := grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("library: connecting to registry %s: %w", target, err)
	}
	return &Remote{conn: conn, target: target, method: md}, nil
}

// Target returns the registry address.
func (r *Remote) Target() string { return r.target }

// Close closes the registry connection.
func (r *Remote) Close() error {
	return r.conn.Close()
}

// GetFeature fetches the document for a feature from the registry.
func (r *Remote) GetFeature(ctx context.Context, feature string) ([]byte, error) {
	reqMsg := dynamic.NewMessage(r.method.GetInputType())
	nameField := r.method.GetInputType().FindFieldByName("name")
	if err := reqMsg.TrySetField(nameField, feature); err != nil {
		return nil, fmt.Errorf("library: building registry request: %w", err)
	}

	respMsg := dynamic.NewMessage(r.method.GetOutputType())
	if err := r.conn.Invoke(ctx, registryMethodPath, reqMsg, respMsg); err != nil {
		return nil, fmt.Errorf("library: fetching %s from %s: %w", feature, r.target, err)
	}

	docField := r.method.GetOutputType().FindFieldByName("document")
	doc, _ := respMsg.GetField(docField).([]byte)
	if len(doc) == 0 {
		return nil, fmt.Errorf("library: registry %s has no document for %s", r.target, feature)
	}
	return doc, nil
}

package grpcclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/reference"
)

// Method names served by the classification backend. Requests and responses
// are google.protobuf.Struct messages so no generated stubs are needed.
const (
	MethodClassifySelfie   = "/kyc.Classifier/ClassifySelfie"
	MethodClassifyDocument = "/kyc.Classifier/ClassifyDocument"
	MethodScan             = "/kyc.Classifier/Scan"
)

// Invoker is the subset of *grpc.ClientConn used by the classifier.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// DialClassifier returns a ready-to-use gRPC classifier.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger) (*Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifier(conn, logger), conn, nil
}

// Classifier implements the capture classifier contract over gRPC.
type Classifier struct {
	conn   Invoker
	logger *zap.Logger
}

// NewClassifier wraps an existing connection.
func NewClassifier(conn Invoker, logger *zap.Logger) *Classifier {
	return &Classifier{conn: conn, logger: logger.Named("grpc_classifier")}
}

// ClassifySelfie runs liveness classification.
func (c *Classifier) ClassifySelfie(ctx context.Context, verificationID string, image []byte) (*kycapi.SelfieResponse, error) {
	var resp kycapi.SelfieResponse
	fields := map[string]any{"type": "selfie"}
	if err := c.call(ctx, "grpcclient.classify_selfie", MethodClassifySelfie, verificationID, fields, image, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClassifyDocument checks one document side.
func (c *Classifier) ClassifyDocument(ctx context.Context, verificationID string, side kycapi.DocumentSide, image []byte) (*kycapi.DocumentResponse, error) {
	var resp kycapi.DocumentResponse
	fields := map[string]any{"type": string(side)}
	if err := c.call(ctx, "grpcclient.classify_document", MethodClassifyDocument, verificationID, fields, image, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Scan parses an MRZ strip or a barcode.
func (c *Classifier) Scan(ctx context.Context, verificationID string, modality reference.Modality, image []byte) (*kycapi.ScanResponse, error) {
	var resp kycapi.ScanResponse
	fields := map[string]any{"modality": string(modality)}
	if err := c.call(ctx, "grpcclient.scan", MethodScan, verificationID, fields, image, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Classifier) call(ctx context.Context, operation, method, verificationID string, fields map[string]any, image []byte, out any) error {
	fields["verification_id"] = verificationID
	fields["image"] = base64.StdEncoding.EncodeToString(image)

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return logging.NewOperationError(operation, verificationID, err)
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, reply); err != nil {
		wrapped := logging.NewOperationError(operation, verificationID, err)
		c.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("method", method))
		return wrapped
	}

	// protojson keeps nested Struct values (parsed_data) intact.
	data, err := protojson.Marshal(reply)
	if err != nil {
		return logging.NewOperationError(operation, verificationID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return logging.NewOperationError(operation, verificationID, fmt.Errorf("decode reply: %w", err))
	}
	return nil
}

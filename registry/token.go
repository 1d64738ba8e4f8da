package registry

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// TokenMetadataKey is the gRPC metadata key carrying the service token on
// discovery requests.
const TokenMetadataKey = "x-service-token"

// WithToken attaches token to the outgoing metadata of ctx. Registries backed
// by gRPC (etcd) forward it with every request; an empty token leaves ctx
// untouched.
func WithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, token)
}

// TokenFromContext returns the token previously attached with WithToken.
func TokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(TokenMetadataKey); len(v) > 0 {
		return v[len(v)-1]
	}
	return ""
}

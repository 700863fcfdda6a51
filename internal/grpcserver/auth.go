package grpcserver

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	metadataAuthorization = "authorization"
	bearerPrefix          = "Bearer "
	errorUnauthenticated  = "service token required"
)

// TokenInterceptor rejects calls whose authorization metadata does not carry
// token as a bearer credential.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte(token)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		for _, value := range md.Get(metadataAuthorization) {
			presented, found := strings.CutPrefix(value, bearerPrefix)
			if found && subtle.ConstantTimeCompare([]byte(presented), expected) == 1 {
				return handler(ctx, request)
			}
		}
		return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
	}
}

type tokenCredentials struct {
	token string
}

// TokenCredentials attaches token to every call made on a client connection.
func TokenCredentials(token string) credentials.PerRPCCredentials {
	return tokenCredentials{token: token}
}

func (creds tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{metadataAuthorization: bearerPrefix + creds.token}, nil
}

// RequireTransportSecurity is false so the sweeper can reach a loopback
// listener without TLS.
func (tokenCredentials) RequireTransportSecurity() bool {
	return false
}

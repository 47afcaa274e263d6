package protocol

import "context"

// Request metadata keys understood by the domain controller.
const (
	MetaRolloutPlan     = "rollout-plan"
	MetaRolloutDocument = "rollout-plan-document"
	MetaServerGroups    = "server-groups"
)

type metadataKey struct{}

// WithMetadata attaches request metadata to ctx. Client.Execute sends it
// with the batch and the agent hands it to the executor the same way.
func WithMetadata(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the request metadata in ctx, or nil.
func MetadataFromContext(ctx context.Context) map[string]string {
	md, _ := ctx.Value(metadataKey{}).(map[string]string)
	return md
}

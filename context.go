package funnel

import "context"

type recordMetadataContextKey struct{}

// WithRecordMetadata attaches ambient metadata to ctx. Every record tracked
// with the returned context carries these entries; metadata passed to the
// tracking call itself wins on key collision. Nested calls merge, inner
// values winning.
func WithRecordMetadata(ctx context.Context, metadata map[string]any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(metadata) == 0 {
		return ctx
	}

	parent := recordMetadataFromContext(ctx)
	merged := make(map[string]any, len(parent)+len(metadata))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return context.WithValue(ctx, recordMetadataContextKey{}, merged)
}

func recordMetadataFromContext(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	md, _ := ctx.Value(recordMetadataContextKey{}).(map[string]any)
	return md
}

// mergeMetadata returns a fresh map holding ambient entries overlaid by
// explicit ones, or nil when both are empty.
func mergeMetadata(ambient, explicit map[string]any) map[string]any {
	if len(ambient) == 0 && len(explicit) == 0 {
		return nil
	}
	out := make(map[string]any, len(ambient)+len(explicit))
	for k, v := range ambient {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

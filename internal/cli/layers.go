package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/memgov"
	"github.com/hupe1980/memgov/tier"
	"github.com/hupe1980/memgov/tier/dynamo"
	"github.com/hupe1980/memgov/tier/memory"
	"github.com/hupe1980/memgov/tier/minio"
	"github.com/hupe1980/memgov/tier/redis"
	"github.com/hupe1980/memgov/tier/s3"
	"github.com/hupe1980/memgov/tier/sqlite"
	"github.com/hupe1980/memgov/tier/vector"
)

// openLayers opens the backend of every configured layer. On error the
// backends opened so far are closed.
func openLayers(ctx context.Context, configs []memgov.LayerConfig) ([]tier.LayerConfig, error) {
	layers := make([]tier.LayerConfig, 0, len(configs))
	for _, lc := range configs {
		kind, err := tier.ParseKind(lc.Kind)
		if err != nil {
			closeLayers(layers)
			return nil, fmt.Errorf("layer %q: %w", lc.Name, err)
		}
		backend, err := openBackend(ctx, lc)
		if err != nil {
			closeLayers(layers)
			return nil, fmt.Errorf("layer %q: %w", lc.Name, err)
		}
		layers = append(layers, tier.LayerConfig{
			Name:          lc.Name,
			Kind:          kind,
			CapacityBytes: lc.CapacityBytes,
			TTL:           lc.TTL.Std(),
			Priority:      lc.Priority,
			Backend:       backend,
		})
	}
	return layers, nil
}

func closeLayers(layers []tier.LayerConfig) {
	for _, l := range layers {
		if c, ok := l.Backend.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// splitTarget splits "bucket/prefix" into its parts.
func splitTarget(target string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(strings.Trim(target, "/"), "/")
	return bucket, prefix
}

func openBackend(ctx context.Context, lc memgov.LayerConfig) (tier.Backend, error) {
	name := strings.ToLower(lc.Backend)
	if name == "" {
		name = lc.Kind
	}
	switch name {
	case "memory":
		return memory.New(lc.CapacityBytes)
	case "redis", "fastkv":
		if lc.Target == "" {
			return nil, errors.New("redis requires a target url")
		}
		return redis.New(ctx, redis.Options{URL: lc.Target})
	case "dynamo", "dynamodb":
		if lc.Target == "" {
			return nil, errors.New("dynamo requires a target table")
		}
		return dynamo.New(ctx, lc.Target, lc.Region)
	case "vector", "chromem":
		return vector.New(vector.Options{Path: lc.Target, Compress: lc.Target != ""})
	case "sqlite", "relational":
		path := lc.Target
		if path == "" {
			path = ":memory:"
		}
		return sqlite.Open(path)
	case "s3", "object":
		bucket, prefix := splitTarget(lc.Target)
		if bucket == "" {
			return nil, errors.New("s3 requires a target bucket")
		}
		return s3.New(ctx, bucket, s3.Options{Region: lc.Region, Endpoint: lc.Endpoint, Prefix: prefix})
	case "minio":
		return openMinio(lc)
	default:
		return nil, fmt.Errorf("unknown backend %q", lc.Backend)
	}
}

// openMinio reads credentials from MINIO_ROOT_USER/MINIO_ROOT_PASSWORD or
// MINIO_ACCESS_KEY/MINIO_SECRET_KEY.
func openMinio(lc memgov.LayerConfig) (tier.Backend, error) {
	bucket, prefix := splitTarget(lc.Target)
	if bucket == "" || lc.Endpoint == "" {
		return nil, errors.New("minio requires an endpoint and a target bucket")
	}
	endpoint, secure := lc.Endpoint, false
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint, secure = rest, true
	} else {
		endpoint = strings.TrimPrefix(endpoint, "http://")
	}
	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewEnvMinio(),
		Secure: secure,
		Region: lc.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	return minio.NewStore(client, bucket, prefix), nil
}

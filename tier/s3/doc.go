// Package s3 provides an object-storage cache layer on Amazon S3.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", s3.Options{
//	    Region: "us-east-1",
//	    Prefix: "cache/",
//	})
//
//	sel.Add(tier.LayerConfig{Name: "s3", Kind: tier.KindObject, Backend: store})
//
// Values larger than the configured part size are written with multipart
// uploads. Expiry is stored as object metadata and enforced on read.
package s3

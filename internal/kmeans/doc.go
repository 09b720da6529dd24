// Package kmeans implements Lloyd's k-means with k-means++ seeding.
//
// The clustering engine uses it to group pool embeddings. Runs are
// deterministic for a fixed Options.Seed; the assignment step can be split
// across worker goroutines without changing the result.
package kmeans

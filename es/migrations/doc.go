// Package migrations provides SQL migration generation.
//
// To generate migrations, use the migrate-gen command:
//
//	go run github.com/getpup/puprelay/cmd/migrate-gen -adapter postgres -output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/puprelay/cmd/migrate-gen -output ../../migrations
//
// Then run:
//
//	go generate ./...
//
// Tests and tools that need the schema in-process can render it with SQL.
package migrations

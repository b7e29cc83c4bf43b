// Package types defines the entity types, configuration, and standard
// errors shared by the cachemirror client, updater, and storage backend.
package types

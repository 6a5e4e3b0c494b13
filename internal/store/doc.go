// Package store provides durable persistence for agent metadata using SQLite.
// It is the optional tier under the metadata cache: losing it degrades the
// gateway to default-port probing, nothing more.
package store

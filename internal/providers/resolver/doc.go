// Package resolver implements the HTTP resolution-API fetch provider. The API
// turns a page URL into a directly fetchable media URL; the client then
// streams the media over plain HTTP with byte-level progress.
package resolver

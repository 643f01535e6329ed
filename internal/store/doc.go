// Package store maps candidate URLs and listing records onto a
// crawler.DocumentStore. It owns the document field layout; it must not
// import database drivers or concrete clients.
package store

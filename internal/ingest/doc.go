// Package ingest defines the domain types and collaborator interfaces shared by
// the ingestion core: work items, scrape results, and the ports the scraper,
// worker, and scheduler depend on. Implementations live in other packages; this
// package must not import drivers or browser clients.
package ingest

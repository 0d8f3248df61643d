// Package crawler holds the data model shared by the engine: requests,
// responses, outcomes and the small interfaces (transport, queue, clock,
// id generator) that the fetcher and the spider manager are built against.
package crawler

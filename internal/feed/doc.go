// Package feed extracts video records from a snapshot of the subscription
// feed page. The page seeds its client-side renderer with a JSON document
// assigned to ytInitialData; every grid video tile in that document becomes
// one Record, in document order.
package feed

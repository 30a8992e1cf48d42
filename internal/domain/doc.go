// Package domain holds the production-run model: statuses, the transition table,
// run code formatting, flow version pins and the coded errors surfaced to callers.
// Nothing here touches storage.
package domain

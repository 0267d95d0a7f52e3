// Package types contains the shared data model for Gantry: run requests,
// normalized runtime events, result envelopes, health snapshots and the
// failure taxonomy.
package types

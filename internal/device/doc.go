// Package device holds the bridge's model of a Meross appliance: its
// identity and connection settings, the ability catalog learned at bind
// time, and the persistence layer that survives restarts.
//
// Devices are configured (or provisioned by an external discovery
// collaborator) with a UUID, host address and shared key. Everything
// else — hardware and firmware versions, the namespace ability catalog —
// is learned from the appliance itself via Appliance.System.Ability and
// Appliance.System.All and cached here so a restart does not have to
// re-bind from scratch.
//
// The Registry wraps the SQLite Repository with an in-memory cache.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Device values returned
// by the Registry are deep copies; callers can modify them freely.
package device

// Package config loads and validates the bridge configuration.
//
// Configuration comes from a YAML file with environment variable overrides
// for secrets and deployment-specific values. Loading order:
//
//  1. Hardcoded defaults
//  2. YAML file values
//  3. Environment variables (MEROSSBRIDGE_SECTION_KEY)
//
// Device entries carry the per-appliance connection settings including the
// shared signing key; keys never appear in logs or API responses.
package config

// Package cluster provides coordinator election and node membership
// backends. Subpackages implement grid.Elector and grid.Membership.
package cluster

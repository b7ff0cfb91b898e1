// Package model defines the data structures shared by the verso core:
// packages and dependency specifiers, changesets and their lifecycle,
// resolution plans, and configuration.
package model

// Package model contains the layout data model and the interlocking core:
// lockable items, track-bases, routes with their relations, and the
// per-locomotive automatic-mode state machine.
//
// Entities reference each other by typed identifier only. The manager
// package owns every entity and implements the Control interface through
// which entities look up their collaborators and issue hardware commands.
package model

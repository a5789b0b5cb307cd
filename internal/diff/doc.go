// Package diff reduces the raw mutations a view recorded during one or more
// commits into the minimal list of row operations a list UI needs.
//
// The view records every mutation against the state that existed at the
// moment it was applied, so a raw change list is only meaningful in order.
// Compute replays that list over placeholders for the prior state and then
// decides, per group, which surviving rows kept their relative order. Those
// stay put; every other survivor is reported as a Move.
//
// The result is a list of Deletes and Moves sorted by original group and
// descending original index, then Inserts by final group and ascending final
// index, then Updates. A Move is listed once, among the removals, but its
// final index assumes every Insert is already in place. The list is not a
// script to run entry by entry. Consumers apply it in two passes:
//
//	pass 1: remove every Delete and Move at its original index, in list order
//	pass 2: add every Insert and Move at its final index, ascending per group
//	Update entries come last and never change positions
//
// Apply is the reference consumer of that contract. Removing in descending
// original index never invalidates a later removal, and adding in ascending
// final index only ever depends on elements already in place.
package diff

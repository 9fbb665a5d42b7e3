// Package sessionlog implements the durable conversation record of an agent
// session: an append-only tree of immutable entries plus a movable tip
// pointer selecting the active branch.
//
// Entries are never mutated or deleted once appended. Branching happens by
// appending under an entry that is not the current tip; switching branches
// moves only the tip. The tree persists as JSON Lines, one record per entry,
// and is reconstructed on open by replaying the file.
//
// User-originated messages are fsynced on append so a crash between
// accepting user input and producing a response never loses the input.
// Other entry kinds are buffered and flushed at turn boundaries.
package sessionlog

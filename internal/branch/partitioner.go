// ABOUTME: Branch visibility rules shared by store queries and realtime room assignment
// ABOUTME: Defines the terminal Identity and the master/branch partitioning predicate

package branch

import "slices"

// Identity describes who is issuing reads and writes: a terminal operator
// scoped to one or more branches, or a master-scope identity that may read
// across all branches.
type Identity struct {
	UserID    string
	BranchIDs []string
	IsMaster  bool
}

// Primary returns the identity's first assigned branch, which is the branch
// new records are tagged with. Empty for a pure master identity.
func (i Identity) Primary() string {
	if len(i.BranchIDs) == 0 {
		return ""
	}
	return i.BranchIDs[0]
}

// Visible reports whether a record tagged with branchID may be read by the
// identity. Master identities see every branch; everyone else only their
// assigned branches. Records with an empty branch id are global entities and
// visible to all.
func Visible(i Identity, branchID string) bool {
	if i.IsMaster {
		return true
	}
	if branchID == "" {
		return true
	}
	return slices.Contains(i.BranchIDs, branchID)
}

// Rooms returns the realtime topic names the identity is subscribed to on
// connect: one room per assigned branch, or the single master room for
// master-scope identities.
func Rooms(i Identity) []string {
	if i.IsMaster {
		return []string{MasterRoom}
	}
	rooms := make([]string, 0, len(i.BranchIDs))
	for _, id := range i.BranchIDs {
		rooms = append(rooms, Room(id))
	}
	return rooms
}

// MasterRoom is the distinguished topic that observes every branch's events.
const MasterRoom = "master"

// Room returns the topic name for a branch.
func Room(branchID string) string {
	return "branch:" + branchID
}

package model

import "fmt"

// DirectoryEntryType distinguishes accounts from directories.
type DirectoryEntryType string

const (
	DirectoryEntryTypeNone      DirectoryEntryType = ""
	DirectoryEntryTypeAccount   DirectoryEntryType = "ACCOUNT"
	DirectoryEntryTypeDirectory DirectoryEntryType = "DIRECTORY"
)

// DirectoryEntry is a node of the account directory. The zero value denotes no entry.
type DirectoryEntry struct {
	Type DirectoryEntryType `json:"type"`
	ID   uint32             `json:"id"`
	Name string             `json:"name"`
}

// MakeAccount returns an account entry.
func MakeAccount(id uint32, name string) DirectoryEntry {
	return DirectoryEntry{Type: DirectoryEntryTypeAccount, ID: id, Name: name}
}

// MakeDirectory returns a directory entry.
func MakeDirectory(id uint32, name string) DirectoryEntry {
	return DirectoryEntry{Type: DirectoryEntryTypeDirectory, ID: id, Name: name}
}

// IsZero returns true for the empty entry.
func (e DirectoryEntry) IsZero() bool {
	return e.Type == DirectoryEntryTypeNone
}

// IsAccount returns true if the entry is an account.
func (e DirectoryEntry) IsAccount() bool {
	return e.Type == DirectoryEntryTypeAccount
}

func (e DirectoryEntry) String() string {
	if e.IsZero() {
		return "NONE"
	}
	return fmt.Sprintf("%s(%d, %s)", e.Type, e.ID, e.Name)
}

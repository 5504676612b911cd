// Package state tracks each user's position in the login/download
// conversation. Every entry is a typed stage variant carrying only the fields
// valid for that stage, and all access for one user is serialized through a
// per-user lock.
package state

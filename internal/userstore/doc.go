// Package userstore reads accounts for the gosessiond daemon. The users
// table belongs to the account service; this package never writes to it.
package userstore
